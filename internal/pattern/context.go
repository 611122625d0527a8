package pattern

import "sort"

// Context describes one delegation request: the domain it belongs to, the
// worker class expected to serve it, its priority (1 = highest), and a bag of
// attributes used for matching and worker invocation. A Context is immutable
// per execution attempt; merging produces a new value.
type Context struct {
	Domain      string
	WorkerClass string
	Priority    int
	attributes  map[string]interface{}
}

// NewContext builds a Context. The attribute map is copied so later mutation
// by the caller cannot leak into an in-flight execution.
func NewContext(domain, workerClass string, priority int, attrs map[string]interface{}) Context {
	copied := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		copied[k] = v
	}
	if priority < 1 {
		priority = 1
	}
	return Context{
		Domain:      domain,
		WorkerClass: workerClass,
		Priority:    priority,
		attributes:  copied,
	}
}

// Attribute returns a single attribute value.
func (c Context) Attribute(key string) (interface{}, bool) {
	v, ok := c.attributes[key]
	return v, ok
}

// AttributeKeys returns the attribute keys in sorted order.
func (c Context) AttributeKeys() []string {
	keys := make([]string, 0, len(c.attributes))
	for k := range c.attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Attributes returns a copy of the attribute map.
func (c Context) Attributes() map[string]interface{} {
	copied := make(map[string]interface{}, len(c.attributes))
	for k, v := range c.attributes {
		copied[k] = v
	}
	return copied
}

// Merge returns a new Context with extra attributes layered over the
// receiver's. Existing keys are overwritten by the new values.
func (c Context) Merge(attrs map[string]interface{}) Context {
	merged := c.Attributes()
	for k, v := range attrs {
		merged[k] = v
	}
	return NewContext(c.Domain, c.WorkerClass, c.Priority, merged)
}
