// Package codec is the binary encoding used for values in the shared state
// store and for payloads on the fan-out bus. Client-facing messages stay JSON.
package codec

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical values produce
// identical bytes across instances.
var encMode cbor.EncMode

// decMode ignores unknown fields so older instances can read newer payloads
// during a rolling deploy.
var decMode cbor.DecMode

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	// Marks are ordered by UpdatedAt; whole-second unix time would collapse them.
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v to CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Diagnose returns CBOR diagnostic notation for data, used in debug logs.
func Diagnose(data []byte) (string, error) {
	return cbor.Diagnose(data)
}
