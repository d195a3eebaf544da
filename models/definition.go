package models

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
)

// InvalidDefinitionError is returned when a raw service definition cannot
// be normalized into canonical form.
type InvalidDefinitionError struct {
	Reason string
}

func (e *InvalidDefinitionError) Error() string {
	return "invalid service definition: " + e.Reason
}

// PortAssign is the sentinel container-port value meaning "pick a port for
// me". It is replaced with a concrete host port during runcfg synthesis.
const PortAssign = "assign"

// DefaultPort is the name of the default (unnamed) port of a service.
const DefaultPort = ""

// HostBinding is a (ip, port) pair a container port is published on.
type HostBinding struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

func (b HostBinding) String() string {
	return fmt.Sprintf("%s:%d", b.IP, b.Port)
}

// WanEntry maps an extra host binding to a named port of the service.
type WanEntry struct {
	Binding  HostBinding `json:"binding"`
	PortName string      `json:"port_name"`
}

// Definition is the canonical, field-complete form of a user-supplied
// service definition. Two definitions describe the same service exactly
// when they are structurally equal; the controller relies on this to skip
// deploys of unchanged services.
//
// Fields the canonicalizer does not recognize survive untouched in Kwargs.
// They are owned by plugins, which are responsible for validating their own
// keys.
type Definition struct {
	Image      string            `json:"image"`
	Cmd        []string          `json:"cmd"`
	Entrypoint []string          `json:"entrypoint"`
	Env        map[string]string `json:"env"`
	Volumes    map[string]string `json:"volumes"`
	Privileged bool              `json:"privileged"`

	// Ports maps a port name to either an integer container port or the
	// PortAssign sentinel. The default port has the empty name.
	Ports map[string]interface{} `json:"ports"`

	// WanMap lists extra host bindings for named ports.
	WanMap []WanEntry `json:"wan_map"`

	// Kwargs holds all unrecognized keys for plugins.
	Kwargs map[string]interface{} `json:"kwargs"`
}

// Canonicalize normalizes a raw service definition into its canonical form.
//
// The returned name may differ from the input: when no image is given, the
// name doubles as the image reference and only its last path segment becomes
// the effective service name.
//
// Canonicalization is a pure function: it never mutates raw, is idempotent,
// and does not depend on map iteration order.
func Canonicalize(name string, raw map[string]interface{}) (string, *Definition, error) {
	def := &Definition{
		Env:     map[string]string{},
		Volumes: map[string]string{},
		Ports:   map[string]interface{}{},
		Kwargs:  map[string]interface{}{},
	}
	rest := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		rest[k] = v
	}

	if img, ok := rest["image"]; ok {
		def.Image = fmt.Sprint(img)
		delete(rest, "image")
	} else {
		// The name is the image; the last path segment names the service.
		def.Image = name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			name = name[i+1:]
		}
	}

	var err error
	if def.Cmd, err = stringList(rest["cmd"], true); err != nil {
		return "", nil, err
	}
	delete(rest, "cmd")
	if def.Entrypoint, err = stringList(rest["entrypoint"], false); err != nil {
		return "", nil, err
	}
	delete(rest, "entrypoint")

	if env, ok := rest["env"]; ok {
		if def.Env, err = stringMap(env); err != nil {
			return "", nil, &InvalidDefinitionError{Reason: fmt.Sprintf("env: %v", err)}
		}
		delete(rest, "env")
	}
	if vols, ok := rest["volumes"]; ok {
		if def.Volumes, err = stringMap(vols); err != nil {
			return "", nil, &InvalidDefinitionError{Reason: fmt.Sprintf("volumes: %v", err)}
		}
		delete(rest, "volumes")
	}
	if priv, ok := rest["privileged"]; ok {
		b, ok := priv.(bool)
		if !ok {
			return "", nil, &InvalidDefinitionError{Reason: "privileged must be a boolean"}
		}
		def.Privileged = b
		delete(rest, "privileged")
	}

	if wm, ok := rest["wan_map"]; ok {
		if def.WanMap, err = wanMap(wm); err != nil {
			return "", nil, err
		}
		delete(rest, "wan_map")
	}

	port, hasPort := rest["port"]
	ports, hasPorts := rest["ports"]
	delete(rest, "port")
	delete(rest, "ports")
	if hasPort && hasPorts {
		return "", nil, &InvalidDefinitionError{Reason: "specify either ports or port"}
	}
	switch {
	case hasPort:
		// Shortcut for the default port.
		def.Ports[DefaultPort] = normPort(port)
	case hasPorts:
		if def.Ports, err = portMap(ports); err != nil {
			return "", nil, err
		}
	default:
		// Without any ports given, always provide a default one.
		def.Ports[DefaultPort] = PortAssign
	}

	// Everything left over belongs to plugins.
	if kw, ok := rest["kwargs"]; ok {
		kwm, ok := kw.(map[string]interface{})
		if !ok {
			return "", nil, &InvalidDefinitionError{Reason: "kwargs must be a mapping"}
		}
		for k, v := range kwm {
			def.Kwargs[k] = v
		}
		delete(rest, "kwargs")
	}
	for k, v := range rest {
		def.Kwargs[k] = v
	}

	return name, def, nil
}

// Copy returns a deep copy of the definition. A shallow copy would alias the
// nested maps, which plugins mutate during runcfg synthesis.
func (d *Definition) Copy() *Definition {
	cp := &Definition{
		Image:      d.Image,
		Cmd:        append([]string(nil), d.Cmd...),
		Entrypoint: append([]string(nil), d.Entrypoint...),
		Env:        make(map[string]string, len(d.Env)),
		Volumes:    make(map[string]string, len(d.Volumes)),
		Privileged: d.Privileged,
		Ports:      make(map[string]interface{}, len(d.Ports)),
		WanMap:     append([]WanEntry(nil), d.WanMap...),
		Kwargs:     make(map[string]interface{}, len(d.Kwargs)),
	}
	for k, v := range d.Env {
		cp.Env[k] = v
	}
	for k, v := range d.Volumes {
		cp.Volumes[k] = v
	}
	for k, v := range d.Ports {
		cp.Ports[k] = v
	}
	for k, v := range d.Kwargs {
		cp.Kwargs[k] = deepCopyValue(v)
	}
	return cp
}

// Equal reports structural equality of two definitions.
func (d *Definition) Equal(other *Definition) bool {
	if d == nil || other == nil {
		return d == other
	}
	return d.Image == other.Image &&
		d.Privileged == other.Privileged &&
		equalStrings(d.Cmd, other.Cmd) &&
		equalStrings(d.Entrypoint, other.Entrypoint) &&
		reflect.DeepEqual(d.Env, other.Env) &&
		reflect.DeepEqual(d.Volumes, other.Volumes) &&
		equalPorts(d.Ports, other.Ports) &&
		equalWanMaps(d.WanMap, other.WanMap) &&
		reflect.DeepEqual(normalizeTree(d.Kwargs), normalizeTree(other.Kwargs))
}

// KwargString fetches a string-valued plugin key.
func (d *Definition) KwargString(key string) (string, bool) {
	v, ok := d.Kwargs[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// KwargStrings fetches a plugin key that may be a single string or a list
// of strings, normalized to a list.
func (d *Definition) KwargStrings(key string) []string {
	v, ok := d.Kwargs[key]
	if !ok || v == nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []string:
		return append([]string(nil), t...)
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return []string{fmt.Sprint(v)}
}

// KwargMap fetches a mapping-valued plugin key.
func (d *Definition) KwargMap(key string) map[string]interface{} {
	v, ok := d.Kwargs[key]
	if !ok {
		return nil
	}
	m, _ := v.(map[string]interface{})
	return m
}

func stringList(v interface{}, shellSplitCmd bool) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return []string{}, nil
	case string:
		if t == "" {
			return []string{}, nil
		}
		if shellSplitCmd {
			// Mirror docker's treatment of a string command.
			return []string{"/bin/sh", "-c", t}, nil
		}
		return splitShellWords(t), nil
	case []string:
		return append([]string(nil), t...), nil
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, fmt.Sprint(item))
		}
		return out, nil
	}
	return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("expected string or list, got %T", v)}
}

func stringMap(v interface{}) (map[string]string, error) {
	out := map[string]string{}
	switch t := v.(type) {
	case nil:
		return out, nil
	case map[string]string:
		for k, val := range t {
			out[k] = val
		}
		return out, nil
	case map[string]interface{}:
		for k, val := range t {
			out[k] = fmt.Sprint(val)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected mapping, got %T", v)
}

func portMap(v interface{}) (map[string]interface{}, error) {
	out := map[string]interface{}{}
	switch t := v.(type) {
	case []interface{}:
		// A list of port names is shorthand for {name: assign}.
		for _, name := range t {
			out[fmt.Sprint(name)] = PortAssign
		}
		return out, nil
	case []string:
		for _, name := range t {
			out[name] = PortAssign
		}
		return out, nil
	case map[string]interface{}:
		for name, val := range t {
			out[name] = normPort(val)
		}
		return out, nil
	}
	return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("ports: expected list or mapping, got %T", v)}
}

func normPort(v interface{}) interface{} {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		return t
	}
	return fmt.Sprint(v)
}

func wanMap(v interface{}) ([]WanEntry, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, &InvalidDefinitionError{Reason: fmt.Sprintf("wan_map: expected mapping, got %T", v)}
	}
	out := make([]WanEntry, 0, len(m))
	for bind, portName := range m {
		b, err := parseBinding(bind)
		if err != nil {
			return nil, err
		}
		out = append(out, WanEntry{Binding: b, PortName: fmt.Sprint(portName)})
	}
	// Map iteration order must not leak into the canonical form.
	sort.Slice(out, func(i, j int) bool {
		if out[i].Binding.IP != out[j].Binding.IP {
			return out[i].Binding.IP < out[j].Binding.IP
		}
		return out[i].Binding.Port < out[j].Binding.Port
	})
	return out, nil
}

func parseBinding(s string) (HostBinding, error) {
	ip, portStr, found := strings.Cut(s, ":")
	if !found {
		return HostBinding{}, &InvalidDefinitionError{
			Reason: fmt.Sprintf("wan_map binding %q must be ip:port", s)}
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return HostBinding{}, &InvalidDefinitionError{
			Reason: fmt.Sprintf("wan_map binding %q has a bad port", s)}
	}
	return HostBinding{IP: ip, Port: port}, nil
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalPorts(a, b map[string]interface{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if fmt.Sprint(b[k]) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

func equalWanMaps(a, b []WanEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// EqualTrees reports structural equality of two JSON-ish value trees,
// tolerating the numeric-type differences between encodings.
func EqualTrees(a, b interface{}) bool {
	return reflect.DeepEqual(normalizeTree(a), normalizeTree(b))
}

// normalizeTree rewrites numeric leaves to a common representation so that
// a definition that went through JSON (float64 numbers) compares equal to
// one that came from YAML (int numbers).
func normalizeTree(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = normalizeTree(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = normalizeTree(val)
		}
		return out
	case float64:
		if t == float64(int64(t)) {
			return int64(t)
		}
		return t
	case int:
		return int64(t)
	case int64:
		return t
	default:
		return v
	}
}

func deepCopyValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[k] = deepCopyValue(val)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = deepCopyValue(val)
		}
		return out
	default:
		return v
	}
}

// splitShellWords splits a string the way a POSIX shell tokenizes a simple
// command line: on unquoted whitespace, honoring single and double quotes
// and backslash escapes.
func splitShellWords(s string) []string {
	var out []string
	var cur strings.Builder
	var inWord bool
	var quote rune

	flush := func() {
		if inWord {
			out = append(out, cur.String())
			cur.Reset()
			inWord = false
		}
	}

	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		c := runes[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else if c == '\\' && quote == '"' && i+1 < len(runes) {
				i++
				cur.WriteRune(runes[i])
			} else {
				cur.WriteRune(c)
			}
		case c == '\'' || c == '"':
			quote = c
			inWord = true
		case c == '\\' && i+1 < len(runes):
			i++
			cur.WriteRune(runes[i])
			inWord = true
		case c == ' ' || c == '\t' || c == '\n':
			flush()
		default:
			cur.WriteRune(c)
			inWord = true
		}
	}
	flush()
	return out
}
