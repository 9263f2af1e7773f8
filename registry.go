// This package tracks live remap targets by name, so a host with a single
// control channel can create, address, and tear down multiple instances.

package dmremap

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dsoprea/go-logging"
)

var (
	registryLogger = log.NewLogger("dmremap.registry")
)

var (
	// ErrDuplicateTarget indicates a create with a name already in use.
	ErrDuplicateTarget = errors.New("duplicate target name")

	// ErrNoSuchTarget indicates a name with no live target behind it.
	ErrNoSuchTarget = errors.New("no such target")
)

// TargetRegistry is the set of live targets, keyed by name. All operations
// are safe for concurrent use.
type TargetRegistry struct {
	mutex sync.Mutex

	targets map[string]*Target
}

// NewTargetRegistry returns an empty registry.
func NewTargetRegistry() *TargetRegistry {
	return &TargetRegistry{
		targets: make(map[string]*Target),
	}
}

// Create constructs a target over the devices and registers it under the
// given name.
func (tr *TargetRegistry) Create(name string, main, spare SectorDevice, opts TargetOptions) (tgt *Target, err error) {
	defer func() {
		if errRaw := recover(); errRaw != nil {
			err = log.Wrap(errRaw.(error))
		}
	}()

	if name == "" {
		return nil, log.Errorf("target name is empty")
	}

	tr.mutex.Lock()
	defer tr.mutex.Unlock()

	if _, exists := tr.targets[name]; exists == true {
		return nil, fmt.Errorf("%w: [%s]", ErrDuplicateTarget, name)
	}

	tgt, err = NewTarget(main, spare, opts)
	if err != nil {
		return nil, err
	}

	tr.targets[name] = tgt

	registryLogger.Infof(nil, "Created target [%s].", name)

	return tgt, nil
}

// Get returns the target registered under the name.
func (tr *TargetRegistry) Get(name string) (tgt *Target, found bool) {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()

	tgt, found = tr.targets[name]
	return tgt, found
}

// Remove destroys a target and drops it from the registry.
func (tr *TargetRegistry) Remove(name string) (err error) {
	tr.mutex.Lock()

	tgt, found := tr.targets[name]
	if found == true {
		delete(tr.targets, name)
	}

	tr.mutex.Unlock()

	if found == false {
		return fmt.Errorf("%w: [%s]", ErrNoSuchTarget, name)
	}

	tgt.Destroy()

	registryLogger.Infof(nil, "Removed target [%s].", name)

	return nil
}

// Names returns the registered names, sorted.
func (tr *TargetRegistry) Names() []string {
	tr.mutex.Lock()
	defer tr.mutex.Unlock()

	names := make([]string, 0, len(tr.targets))

	for name := range tr.targets {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Message routes one control command to a named target.
func (tr *TargetRegistry) Message(name, command string) (response string, err error) {
	tgt, found := tr.Get(name)
	if found == false {
		return "", fmt.Errorf("%w: [%s]", ErrNoSuchTarget, name)
	}

	return tgt.Message(command)
}

// Shutdown destroys every registered target.
func (tr *TargetRegistry) Shutdown() {
	tr.mutex.Lock()

	targets := tr.targets
	tr.targets = make(map[string]*Target)

	tr.mutex.Unlock()

	for name, tgt := range targets {
		tgt.Destroy()

		registryLogger.Infof(nil, "Removed target [%s].", name)
	}
}
