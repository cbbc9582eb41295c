package zwave

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type OptionType int

const (
	OptionTypeInvalid OptionType = iota
	OptionTypeBool
	OptionTypeInt
	OptionTypeString
)

func (t OptionType) String() string {
	switch t {
	case OptionTypeBool:
		return "Bool"
	case OptionTypeInt:
		return "Int"
	case OptionTypeString:
		return "String"
	default:
		return "Invalid"
	}
}

type option struct {
	typ        OptionType
	boolVal    bool
	intVal     int
	stringVal  string
	appendable bool
}

// Options is the library's option set. Options are added with defaults,
// then Lock applies "--name value" overrides from the command line and
// freezes the set. A manager may only be created from locked options.
type Options struct {
	mu         sync.RWMutex
	configPath string
	userPath   string
	cmdLine    string
	locked     bool
	opts       map[string]*option
}

// NewOptions mirrors the library's Options::Create. An empty configPath
// falls back to "config/".
func NewOptions(configPath, userPath, cmdLine string) *Options {
	if configPath == "" {
		configPath = "config/"
	}
	return &Options{
		configPath: configPath,
		userPath:   userPath,
		cmdLine:    cmdLine,
		opts:       make(map[string]*option),
	}
}

func (o *Options) ConfigPath() string  { return o.configPath }
func (o *Options) UserPath() string    { return o.userPath }
func (o *Options) CommandLine() string { return o.cmdLine }

func (o *Options) AddOptionBool(name string, def bool) error {
	return o.add(name, &option{typ: OptionTypeBool, boolVal: def})
}

func (o *Options) AddOptionInt(name string, def int) error {
	return o.add(name, &option{typ: OptionTypeInt, intVal: def})
}

// AddOptionString adds a string option. Appendable options accumulate
// repeated command line values separated by commas.
func (o *Options) AddOptionString(name, def string, appendable bool) error {
	return o.add(name, &option{typ: OptionTypeString, stringVal: def, appendable: appendable})
}

func (o *Options) add(name string, opt *option) error {
	key := optionKey(name)
	if key == "" {
		return fmt.Errorf("add option: empty name")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locked {
		return fmt.Errorf("add option %q: %w", name, ErrOptionsLocked)
	}
	o.opts[key] = opt
	return nil
}

// Lock applies command line overrides and freezes the option set.
// Locking twice is a no-op.
func (o *Options) Lock() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locked {
		return nil
	}
	if err := o.applyCommandLine(); err != nil {
		return fmt.Errorf("lock options: %w", err)
	}
	o.locked = true
	return nil
}

func (o *Options) AreLocked() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.locked
}

func (o *Options) applyCommandLine() error {
	fields := strings.Fields(o.cmdLine)
	for i := 0; i < len(fields); {
		if !strings.HasPrefix(fields[i], "--") {
			return fmt.Errorf("command line: expected --name, got %q", fields[i])
		}
		name := strings.TrimPrefix(fields[i], "--")
		i++
		var values []string
		for i < len(fields) && !strings.HasPrefix(fields[i], "--") {
			values = append(values, fields[i])
			i++
		}

		opt, ok := o.opts[optionKey(name)]
		if !ok {
			return fmt.Errorf("command line: unknown option %q", name)
		}
		if err := opt.set(name, values); err != nil {
			return fmt.Errorf("command line: %w", err)
		}
	}
	return nil
}

func (opt *option) set(name string, values []string) error {
	switch opt.typ {
	case OptionTypeBool:
		if len(values) == 0 {
			opt.boolVal = true
			return nil
		}
		b, err := strconv.ParseBool(values[0])
		if err != nil {
			return fmt.Errorf("option %q: invalid bool %q", name, values[0])
		}
		opt.boolVal = b
	case OptionTypeInt:
		if len(values) != 1 {
			return fmt.Errorf("option %q: expected one integer value", name)
		}
		n, err := strconv.Atoi(values[0])
		if err != nil {
			return fmt.Errorf("option %q: invalid int %q", name, values[0])
		}
		opt.intVal = n
	case OptionTypeString:
		if len(values) == 0 {
			return fmt.Errorf("option %q: missing value", name)
		}
		v := strings.Join(values, " ")
		if opt.appendable && opt.stringVal != "" {
			opt.stringVal += "," + v
		} else {
			opt.stringVal = v
		}
	}
	return nil
}

func (o *Options) GetOptionType(name string) OptionType {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if opt, ok := o.opts[optionKey(name)]; ok {
		return opt.typ
	}
	return OptionTypeInvalid
}

func (o *Options) lookup(name string, want OptionType) (*option, error) {
	opt, ok := o.opts[optionKey(name)]
	if !ok {
		return nil, fmt.Errorf("option %q not found", name)
	}
	if opt.typ != want {
		return nil, fmt.Errorf("option %q is %s, not %s", name, opt.typ, want)
	}
	return opt, nil
}

func (o *Options) GetOptionAsBool(name string) (bool, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	opt, err := o.lookup(name, OptionTypeBool)
	if err != nil {
		return false, err
	}
	return opt.boolVal, nil
}

func (o *Options) GetOptionAsInt(name string) (int, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	opt, err := o.lookup(name, OptionTypeInt)
	if err != nil {
		return 0, err
	}
	return opt.intVal, nil
}

func (o *Options) GetOptionAsString(name string) (string, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	opt, err := o.lookup(name, OptionTypeString)
	if err != nil {
		return "", err
	}
	return opt.stringVal, nil
}

// Values returns every option's current value keyed by lower-cased name.
func (o *Options) Values() map[string]any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]any, len(o.opts))
	for k, opt := range o.opts {
		switch opt.typ {
		case OptionTypeBool:
			out[k] = opt.boolVal
		case OptionTypeInt:
			out[k] = opt.intVal
		case OptionTypeString:
			out[k] = opt.stringVal
		}
	}
	return out
}

// Names returns the registered option names, sorted.
func (o *Options) Names() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	names := make([]string, 0, len(o.opts))
	for k := range o.opts {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func optionKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// DefaultOptions builds the option set ozwatch hands to a manager: the
// library's logging and polling defaults plus the harness identity.
func DefaultOptions(configPath, userPath, cmdLine string) (*Options, error) {
	o := NewOptions(configPath, userPath, cmdLine)
	adds := []func() error{
		func() error { return o.AddOptionBool("Logging", false) },
		func() error { return o.AddOptionBool("ConsoleOutput", false) },
		func() error { return o.AddOptionBool("SaveConfiguration", false) },
		func() error { return o.AddOptionBool("SuppressValueRefresh", false) },
		func() error { return o.AddOptionInt("SaveLogLevel", 4) },
		func() error { return o.AddOptionInt("PollInterval", 30000) },
		func() error { return o.AddOptionInt("RetryTimeout", 40000) },
		func() error { return o.AddOptionString("LogFileName", "OZW_Log.txt", false) },
		func() error { return o.AddOptionString("Interface", "", true) },
	}
	for _, add := range adds {
		if err := add(); err != nil {
			return nil, err
		}
	}
	return o, nil
}
