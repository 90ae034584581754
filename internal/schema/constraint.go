package schema

import (
	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
)

// constraintCUE is the structural contract a descriptor must satisfy.
// Validation happens against the decoded value before registration, so a
// malformed descriptor never reaches the backend.
const constraintCUE = `
#KeyPath: string & =~"^[A-Za-z_][A-Za-z0-9_]*(\\.[A-Za-z_][A-Za-z0-9_]*)*$"

#Index: {
	name:       string & =~"^[a-z][a-z0-9_]*$"
	keyPath:    #KeyPath
	unique:     bool
	multiEntry: bool
}

#Store: {
	name:          string & =~"^[a-z][a-z0-9_]*$"
	keyPath:       #KeyPath
	autoIncrement: bool
	indexes:       [...#Index] | *null
}

#Version: {
	version: int & >0
	stores:  [...#Store]
}

#Descriptor: {
	versions: [...#Version]
}
`

// ValidateDescriptor checks a decoded descriptor against the embedded CUE
// contract. Returns *Error with the first violation.
func ValidateDescriptor(desc *Descriptor) error {
	ctx := cuecontext.New()

	def := ctx.CompileString(constraintCUE).LookupPath(cue.ParsePath("#Descriptor"))
	if err := def.Err(); err != nil {
		return &Error{Message: "internal: compile descriptor constraint: " + err.Error()}
	}

	val := ctx.Encode(desc)
	if err := val.Err(); err != nil {
		return &Error{Message: "encode descriptor: " + err.Error()}
	}

	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return &Error{Message: "descriptor constraint violation: " + errors.Details(err, nil)}
	}
	return nil
}
