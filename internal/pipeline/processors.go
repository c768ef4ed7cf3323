package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/kestrel-search/scripting/internal/script"
	"github.com/kestrel-search/scripting/internal/script/engine"
)

// processor is a single pipeline step.
type processor interface {
	Type() string
	IgnoreFailure() bool
	Apply(ctx context.Context, doc map[string]interface{}) error
}

// base carries the options every processor shares.
type base struct {
	kind          string
	ignoreFailure bool
}

func (b base) Type() string        { return b.kind }
func (b base) IgnoreFailure() bool { return b.ignoreFailure }

func buildProcessor(cfg ProcessorConfig, eng *engine.Engine) (processor, error) {
	if len(cfg) != 1 {
		return nil, fmt.Errorf("expected exactly one processor type per entry, got %d", len(cfg))
	}

	for kind, opts := range cfg {
		b := base{kind: kind, ignoreFailure: boolOpt(opts, "ignore_failure")}
		switch kind {
		case "set":
			return buildSet(b, opts)
		case "remove":
			return buildRemove(b, opts)
		case "rename":
			return buildRename(b, opts)
		case "lowercase":
			return buildCase(b, opts, strings.ToLower)
		case "uppercase":
			return buildCase(b, opts, strings.ToUpper)
		case "convert":
			return buildConvert(b, opts)
		case "script":
			return buildScript(b, opts, eng)
		case "fail":
			return buildFail(b, opts)
		default:
			return nil, fmt.Errorf("unknown processor type %q", kind)
		}
	}
	return nil, fmt.Errorf("empty processor entry")
}

func stringOpt(opts map[string]interface{}, key string) string {
	if v, ok := opts[key].(string); ok {
		return v
	}
	return ""
}

func boolOpt(opts map[string]interface{}, key string) bool {
	if v, ok := opts[key].(bool); ok {
		return v
	}
	return false
}

func requireField(opts map[string]interface{}, key string) (string, error) {
	v := stringOpt(opts, key)
	if v == "" {
		return "", fmt.Errorf("option %q is required", key)
	}
	return v, nil
}

// ---- set

type setProcessor struct {
	base
	field    string
	value    interface{}
	override bool
}

func buildSet(b base, opts map[string]interface{}) (processor, error) {
	field, err := requireField(opts, "field")
	if err != nil {
		return nil, err
	}
	value, ok := opts["value"]
	if !ok {
		return nil, fmt.Errorf("option %q is required", "value")
	}
	override := true
	if v, ok := opts["override"].(bool); ok {
		override = v
	}
	return &setProcessor{base: b, field: field, value: value, override: override}, nil
}

func (p *setProcessor) Apply(_ context.Context, doc map[string]interface{}) error {
	if !p.override {
		if _, exists := getField(doc, p.field); exists {
			return nil
		}
	}
	return setField(doc, p.field, p.value)
}

// ---- remove

type removeProcessor struct {
	base
	field         string
	ignoreMissing bool
}

func buildRemove(b base, opts map[string]interface{}) (processor, error) {
	field, err := requireField(opts, "field")
	if err != nil {
		return nil, err
	}
	return &removeProcessor{base: b, field: field, ignoreMissing: boolOpt(opts, "ignore_missing")}, nil
}

func (p *removeProcessor) Apply(_ context.Context, doc map[string]interface{}) error {
	if removed := removeField(doc, p.field); !removed && !p.ignoreMissing {
		return fmt.Errorf("field %q not present", p.field)
	}
	return nil
}

// ---- rename

type renameProcessor struct {
	base
	field         string
	targetField   string
	ignoreMissing bool
}

func buildRename(b base, opts map[string]interface{}) (processor, error) {
	field, err := requireField(opts, "field")
	if err != nil {
		return nil, err
	}
	target, err := requireField(opts, "target_field")
	if err != nil {
		return nil, err
	}
	return &renameProcessor{base: b, field: field, targetField: target, ignoreMissing: boolOpt(opts, "ignore_missing")}, nil
}

func (p *renameProcessor) Apply(_ context.Context, doc map[string]interface{}) error {
	value, exists := getField(doc, p.field)
	if !exists {
		if p.ignoreMissing {
			return nil
		}
		return fmt.Errorf("field %q not present", p.field)
	}
	if _, taken := getField(doc, p.targetField); taken {
		return fmt.Errorf("target field %q already exists", p.targetField)
	}
	if err := setField(doc, p.targetField, value); err != nil {
		return err
	}
	removeField(doc, p.field)
	return nil
}

// ---- lowercase / uppercase

type caseProcessor struct {
	base
	field         string
	ignoreMissing bool
	transform     func(string) string
}

func buildCase(b base, opts map[string]interface{}, transform func(string) string) (processor, error) {
	field, err := requireField(opts, "field")
	if err != nil {
		return nil, err
	}
	return &caseProcessor{base: b, field: field, ignoreMissing: boolOpt(opts, "ignore_missing"), transform: transform}, nil
}

func (p *caseProcessor) Apply(_ context.Context, doc map[string]interface{}) error {
	value, exists := getField(doc, p.field)
	if !exists {
		if p.ignoreMissing {
			return nil
		}
		return fmt.Errorf("field %q not present", p.field)
	}
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("field %q is not a string", p.field)
	}
	return setField(doc, p.field, p.transform(s))
}

// ---- convert

type convertProcessor struct {
	base
	field         string
	targetType    string
	ignoreMissing bool
}

func buildConvert(b base, opts map[string]interface{}) (processor, error) {
	field, err := requireField(opts, "field")
	if err != nil {
		return nil, err
	}
	targetType, err := requireField(opts, "type")
	if err != nil {
		return nil, err
	}
	switch targetType {
	case "integer", "float", "string", "boolean":
	default:
		return nil, fmt.Errorf("unsupported conversion type %q", targetType)
	}
	return &convertProcessor{base: b, field: field, targetType: targetType, ignoreMissing: boolOpt(opts, "ignore_missing")}, nil
}

func (p *convertProcessor) Apply(_ context.Context, doc map[string]interface{}) error {
	value, exists := getField(doc, p.field)
	if !exists {
		if p.ignoreMissing {
			return nil
		}
		return fmt.Errorf("field %q not present", p.field)
	}

	converted, err := convertValue(value, p.targetType)
	if err != nil {
		return fmt.Errorf("field %q: %w", p.field, err)
	}
	return setField(doc, p.field, converted)
}

func convertValue(value interface{}, targetType string) (interface{}, error) {
	switch targetType {
	case "string":
		return fmt.Sprintf("%v", value), nil
	case "integer":
		switch v := value.(type) {
		case float64:
			return int64(v), nil
		case int64:
			return v, nil
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to integer", v)
			}
			return n, nil
		case bool:
			if v {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case "float":
		switch v := value.(type) {
		case float64:
			return v, nil
		case int64:
			return float64(v), nil
		case string:
			f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to float", v)
			}
			return f, nil
		}
	case "boolean":
		switch v := value.(type) {
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("cannot convert %q to boolean", v)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", value, targetType)
}

// ---- script

type scriptProcessor struct {
	base
	engine   *engine.Engine
	compiled *engine.Compiled
	params   map[string]interface{}
}

func buildScript(b base, opts map[string]interface{}, eng *engine.Engine) (processor, error) {
	source := stringOpt(opts, "source")
	if source == "" {
		return nil, fmt.Errorf("option %q is required", "source")
	}
	lang := stringOpt(opts, "lang")

	var params map[string]interface{}
	if v, ok := opts["params"].(map[string]interface{}); ok {
		params = v
	}

	compiled, err := eng.Compile(script.Script{Lang: lang, Source: source})
	if err != nil {
		return nil, err
	}
	return &scriptProcessor{base: b, engine: eng, compiled: compiled, params: params}, nil
}

// Apply runs the script in the ingest context: ctx is the document itself.
func (p *scriptProcessor) Apply(ctx context.Context, doc map[string]interface{}) error {
	res, err := p.engine.Execute(ctx, p.compiled, engine.Bindings{
		Params: p.params,
		Ctx:    doc,
	})
	if err != nil {
		return err
	}
	if res.Ctx == nil {
		return nil
	}
	// The Lua table is a copy; fold mutations back into the caller's map.
	for k := range doc {
		if _, ok := res.Ctx[k]; !ok {
			delete(doc, k)
		}
	}
	for k, v := range res.Ctx {
		doc[k] = v
	}
	return nil
}

// ---- fail

type failProcessor struct {
	base
	message string
}

func buildFail(b base, opts map[string]interface{}) (processor, error) {
	message, err := requireField(opts, "message")
	if err != nil {
		return nil, err
	}
	return &failProcessor{base: b, message: message}, nil
}

func (p *failProcessor) Apply(_ context.Context, _ map[string]interface{}) error {
	return &FailError{Message: p.message}
}

// ---- dotted field paths

// getField resolves a dotted path like "user.name" into nested maps.
func getField(doc map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	current := doc
	for i, part := range parts {
		value, ok := current[part]
		if !ok {
			return nil, false
		}
		if i == len(parts)-1 {
			return value, true
		}
		next, ok := value.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current = next
	}
	return nil, false
}

// setField writes a dotted path, creating intermediate maps as needed.
func setField(doc map[string]interface{}, path string, value interface{}) error {
	parts := strings.Split(path, ".")
	current := doc
	for i, part := range parts {
		if i == len(parts)-1 {
			current[part] = value
			return nil
		}
		next, ok := current[part]
		if !ok {
			child := map[string]interface{}{}
			current[part] = child
			current = child
			continue
		}
		child, ok := next.(map[string]interface{})
		if !ok {
			return fmt.Errorf("cannot set %q: %q is not an object", path, strings.Join(parts[:i+1], "."))
		}
		current = child
	}
	return nil
}

// removeField deletes a dotted path. Returns false when the path is absent.
func removeField(doc map[string]interface{}, path string) bool {
	parts := strings.Split(path, ".")
	current := doc
	for i, part := range parts {
		if i == len(parts)-1 {
			if _, ok := current[part]; !ok {
				return false
			}
			delete(current, part)
			return true
		}
		next, ok := current[part].(map[string]interface{})
		if !ok {
			return false
		}
		current = next
	}
	return false
}
