package engine

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/Shopify/go-lua"
)

// pushValue pushes an arbitrary JSON-shaped Go value onto the Lua stack.
// Maps become tables keyed by string, slices become sequences.
func pushValue(l *lua.State, v interface{}) {
	switch t := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(t)
	case string:
		l.PushString(t)
	case float64:
		l.PushNumber(t)
	case float32:
		l.PushNumber(float64(t))
	case int:
		l.PushNumber(float64(t))
	case int32:
		l.PushNumber(float64(t))
	case int64:
		l.PushNumber(float64(t))
	case uint:
		l.PushNumber(float64(t))
	case uint64:
		l.PushNumber(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			l.PushString(t.String())
			return
		}
		l.PushNumber(f)
	case time.Time:
		l.PushString(t.UTC().Format(time.RFC3339Nano))
	case []interface{}:
		l.CreateTable(len(t), 0)
		for i, e := range t {
			pushValue(l, e)
			l.RawSetInt(-2, i+1)
		}
	case map[string]interface{}:
		l.CreateTable(0, len(t))
		for k, e := range t {
			pushValue(l, e)
			l.SetField(-2, k)
		}
	case map[string]string:
		l.CreateTable(0, len(t))
		for k, e := range t {
			l.PushString(e)
			l.SetField(-2, k)
		}
	default:
		l.PushString(fmt.Sprintf("%v", t))
	}
}

// toGoValue converts the Lua value at index into a JSON-shaped Go value.
// Functions and userdata map to nil.
func toGoValue(l *lua.State, index int) interface{} {
	switch l.TypeOf(index) {
	case lua.TypeNil:
		return nil
	case lua.TypeBoolean:
		return l.ToBoolean(index)
	case lua.TypeNumber:
		n, _ := l.ToNumber(index)
		return n
	case lua.TypeString:
		s, _ := l.ToString(index)
		return s
	case lua.TypeTable:
		return pullTable(l, index)
	default:
		return nil
	}
}

// pullTable converts the table at index into either []interface{} (when the
// keys form the sequence 1..n) or map[string]interface{}.
func pullTable(l *lua.State, index int) interface{} {
	index = l.AbsIndex(index)

	entries := map[string]interface{}{}
	var arr []interface{}
	sequential := true
	maxIndex := 0

	l.PushNil()
	for l.Next(index) {
		// Key at -2, value at -1. Never ToString a number key: the
		// in-place coercion corrupts table traversal.
		value := toGoValue(l, -1)

		switch l.TypeOf(-2) {
		case lua.TypeNumber:
			n, _ := l.ToNumber(-2)
			if sequential && n == math.Trunc(n) && n >= 1 {
				i := int(n)
				if i > maxIndex {
					maxIndex = i
				}
				entries[fmt.Sprintf("%d", i)] = value
			} else {
				sequential = false
				entries[trimFloatKey(n)] = value
			}
		case lua.TypeString:
			sequential = false
			k, _ := l.ToString(-2)
			entries[k] = value
		default:
			sequential = false
		}
		l.Pop(1)
	}

	if sequential && maxIndex == len(entries) && maxIndex > 0 {
		arr = make([]interface{}, maxIndex)
		for i := 1; i <= maxIndex; i++ {
			arr[i-1] = entries[fmt.Sprintf("%d", i)]
		}
		return arr
	}
	if len(entries) == 0 {
		// Empty table: a map is the safer default for ctx._source use.
		return map[string]interface{}{}
	}
	return entries
}

func trimFloatKey(n float64) string {
	if n == math.Trunc(n) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}
