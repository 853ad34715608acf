// Package validation provides struct tag validation for pipeline definitions
// and configuration, plus a small programmatic validator used by the API.
//
// # Struct Tag Validation
//
//	type NodeDef struct {
//	    ID string `yaml:"id" validate:"required,nodeid"`
//	}
//	err := validation.Validate(def)
//
// # Programmatic Validation
//
//	v := validation.New()
//	v.Required("name", name).RequiredUUID("run_id", id)
//	err := v.Validate()
package validation
