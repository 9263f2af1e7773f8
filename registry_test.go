package dmremap

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/dsoprea/go-logging"
)

func TestTargetRegistry_CreateGetRemove(t *testing.T) {
	tr := NewTargetRegistry()
	defer tr.Shutdown()

	main, spare := newTestDevices()

	created, err := tr.Create("disk0", main, spare, immediateOptions())
	log.PanicIf(err)

	got, found := tr.Get("disk0")
	if found != true || got != created {
		t.Fatalf("Registered target not retrievable.")
	}

	err = tr.Remove("disk0")
	log.PanicIf(err)

	if _, found := tr.Get("disk0"); found == true {
		t.Fatalf("Removed target still registered.")
	}

	if created.State() != TargetDestroyed {
		t.Fatalf("Removed target not destroyed: [%s]", created.State())
	}
}

func TestTargetRegistry_DuplicateName(t *testing.T) {
	tr := NewTargetRegistry()
	defer tr.Shutdown()

	main, spare := newTestDevices()

	_, err := tr.Create("disk0", main, spare, immediateOptions())
	log.PanicIf(err)

	main2, spare2 := newTestDevices()

	_, err = tr.Create("disk0", main2, spare2, immediateOptions())
	if errors.Is(err, ErrDuplicateTarget) != true {
		t.Fatalf("Duplicate name not rejected: %v", err)
	}
}

func TestTargetRegistry_RemoveUnknown(t *testing.T) {
	tr := NewTargetRegistry()

	err := tr.Remove("missing")
	if errors.Is(err, ErrNoSuchTarget) != true {
		t.Fatalf("Unknown name not rejected: %v", err)
	}
}

func TestTargetRegistry_Names(t *testing.T) {
	tr := NewTargetRegistry()
	defer tr.Shutdown()

	for _, name := range []string{"zebra", "alpha"} {
		main, spare := newTestDevices()

		_, err := tr.Create(name, main, spare, immediateOptions())
		log.PanicIf(err)
	}

	if reflect.DeepEqual(tr.Names(), []string{"alpha", "zebra"}) != true {
		t.Fatalf("Names not sorted: %v", tr.Names())
	}
}

func TestTargetRegistry_RoutesMessages(t *testing.T) {
	tr := NewTargetRegistry()
	defer tr.Shutdown()

	main, spare := newTestDevices()

	_, err := tr.Create("disk0", main, spare, immediateOptions())
	log.PanicIf(err)

	response, err := tr.Message("disk0", "status")
	log.PanicIf(err)

	if strings.Contains(response, "state=active") != true {
		t.Fatalf("Routed status not correct: [%s]", response)
	}

	_, err = tr.Message("disk1", "status")
	if errors.Is(err, ErrNoSuchTarget) != true {
		t.Fatalf("Unknown route not rejected: %v", err)
	}
}

func TestTargetRegistry_Shutdown(t *testing.T) {
	tr := NewTargetRegistry()

	main, spare := newTestDevices()

	created, err := tr.Create("disk0", main, spare, immediateOptions())
	log.PanicIf(err)

	tr.Shutdown()

	if created.State() != TargetDestroyed {
		t.Fatalf("Shutdown did not destroy targets: [%s]", created.State())
	}

	if len(tr.Names()) != 0 {
		t.Fatalf("Registry not empty after shutdown.")
	}
}
