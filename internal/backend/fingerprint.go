package backend

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/seantiz/isolane/internal/model"
)

// fingerprintInput is the canonical form hashed by Fingerprint. encoding/json
// writes map keys sorted, so equal option sets always encode identically.
type fingerprintInput struct {
	Classpath   []string          `json:"cp"`
	MinHeapMB   int               `json:"min_heap"`
	MaxHeapMB   int               `json:"max_heap"`
	Properties  map[string]string `json:"props"`
	WorkingDir  string            `json:"dir"`
	Environment map[string]string `json:"env"`
	Args        []string          `json:"args"`
}

// Fingerprint derives the compatibility key of spec: two specs may share an
// execution context only when their fingerprints (and strategies) match.
// Classpath order is significant. Display name and isolation level are not part
// of the key.
func Fingerprint(spec model.WorkSpec) string {
	in := fingerprintInput{
		Classpath:   spec.Classpath,
		MinHeapMB:   spec.ForkOptions.MinHeapMB,
		MaxHeapMB:   spec.ForkOptions.MaxHeapMB,
		Properties:  spec.ForkOptions.SystemProperties,
		WorkingDir:  spec.ForkOptions.WorkingDir,
		Environment: spec.ForkOptions.Environment,
		Args:        spec.ForkOptions.Args,
	}
	// Nil and empty collections must not produce different keys.
	if len(in.Classpath) == 0 {
		in.Classpath = nil
	}
	if len(in.Properties) == 0 {
		in.Properties = nil
	}
	if len(in.Environment) == 0 {
		in.Environment = nil
	}
	if len(in.Args) == 0 {
		in.Args = nil
	}

	// Marshalling strings, ints and string maps cannot fail.
	data, _ := json.Marshal(in)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
