package upnp

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// decodeResponse maps SOAP output arguments onto T. Device firmware reuses
// argument names loosely and fills numbers with placeholders such as
// NOT_IMPLEMENTED, so numeric fields that do not parse decode as zero instead
// of failing the call.
func decodeResponse[T any](out map[string]string, err error) (*T, error) {
	if err != nil {
		return nil, err
	}

	res := new(T)
	config := &mapstructure.DecoderConfig{
		Result:           res,
		WeaklyTypedInput: true,
		ErrorUnused:      false,
		DecodeHook:       mapstructure.DecodeHookFuncType(lenientNumbers),
	}
	decoder, err := mapstructure.NewDecoder(config)
	if err != nil {
		return nil, fmt.Errorf("error building decoder: %w", err)
	}
	if err := decoder.Decode(out); err != nil {
		return nil, fmt.Errorf("error decoding response: %w", err)
	}
	return res, nil
}

func lenientNumbers(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
	if from.Kind() != reflect.String {
		return data, nil
	}
	s := strings.TrimSpace(data.(string))
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, nil
		}
		return n, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, nil
		}
		return n, nil
	case reflect.Bool:
		switch strings.ToLower(s) {
		case "1", "true", "yes", "on":
			return true, nil
		default:
			return false, nil
		}
	}
	return data, nil
}

// firstInt returns the first of keys present in out that parses as an integer.
func firstInt(out map[string]string, keys ...string) (int, bool) {
	for _, k := range keys {
		v, ok := out[k]
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err == nil {
			return n, true
		}
	}
	return 0, false
}
