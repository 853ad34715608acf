// Package version reports condflow build information. Values are set with
// -ldflags and fall back to the module's embedded VCS settings:
//
//	go build -ldflags "-X github.com/kbukum/condflow/version.Version=1.2.0" ./cmd/condflow
package version
