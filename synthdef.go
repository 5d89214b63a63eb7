package kaanon

import (
	"crypto/md5"
	"encoding/hex"
)

// Parameter describes one declared parameter of a compiled synthdef.
type Parameter struct {
	Name    string
	Rate    ParameterRate
	Default float32
}

// Synthdef is an opaque compiled synthesis definition, produced by an
// external synthdef compiler. The session never looks inside Body; it only
// needs the declared parameters and a stable name to refer to the definition
// in /d_recv and /s_new requests.
type Synthdef struct {
	Name       string
	Body       []byte
	Parameters []Parameter
}

// AnonymousName is the hex md5 digest of the compiled body, used as a
// content-stable name and as the deterministic sort key for definition
// receive requests.
func (d *Synthdef) AnonymousName() string {
	sum := md5.Sum(d.Body)
	return hex.EncodeToString(sum[:])
}

// RequestName is the name used on the wire: the explicit name if the
// definition has one, the anonymous content hash otherwise.
func (d *Synthdef) RequestName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.AnonymousName()
}

// Parameter returns the declared parameter with the given name.
func (d *Synthdef) Parameter(name string) (Parameter, bool) {
	for _, p := range d.Parameters {
		if p.Name == name {
			return p, true
		}
	}
	return Parameter{}, false
}

// HasParameter reports whether the definition declares the given parameter.
// The "gate" and "duration" parameters change how the compiler shuts a
// synth down.
func (d *Synthdef) HasParameter(name string) bool {
	_, ok := d.Parameter(name)
	return ok
}
