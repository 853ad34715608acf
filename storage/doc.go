// Package storage provides the object storage abstraction that backs run
// artifacts, with pluggable backends registered by their subpackages.
//
// # Backends
//
//   - storage/local: files under a base directory (file:// URLs)
//   - storage/s3: Amazon S3 and S3-compatible services such as MinIO
//   - storage/memory: process-local map, used by tests and ephemeral runs
//
// A backend is selected by name; the importing binary must link the backend
// package so its factory is registered:
//
//	import _ "github.com/kbukum/condflow/storage/local"
//
//	s, err := storage.New(storage.Config{Provider: "local", BasePath: dir}, log)
//
// # Configuration
//
//	storage:
//	  provider: "s3"
//	  bucket: "truck-eta-classification"
//	  region: "us-east-1"
//	  prefix: "condflow"
package storage
