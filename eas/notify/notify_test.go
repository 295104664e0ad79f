package notify_test

import (
	"reflect"
	"testing"

	"spilled.ink/eas/notify"
)

func TestWake(t *testing.T) {
	bus := notify.NewBus()
	sub := bus.Subscribe(1, []string{"1", "2"})
	defer sub.Close()

	bus.Notify(1, "1")

	select {
	case <-sub.C:
	default:
		t.Fatal("no signal after Notify")
	}
	if got, want := sub.Changed(), []string{"1"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Changed()=%v, want %v", got, want)
	}
	if got := sub.Changed(); len(got) != 0 {
		t.Errorf("second Changed()=%v, want empty", got)
	}
}

func TestNoLostNotification(t *testing.T) {
	bus := notify.NewBus()
	sub := bus.Subscribe(1, nil)
	defer sub.Close()

	bus.Notify(1, "1")
	bus.Notify(1, "4")
	bus.Notify(1, "1")

	select {
	case <-sub.C:
	default:
		t.Fatal("no signal after Notify")
	}
	if got, want := sub.Changed(), []string{"1", "4"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Changed()=%v, want %v", got, want)
	}
	select {
	case <-sub.C:
		// A second pending signal is fine; changed set is
		// already drained.
		if got := sub.Changed(); len(got) != 0 {
			t.Errorf("Changed() after drain=%v, want empty", got)
		}
	default:
	}
}

func TestCollectionFilter(t *testing.T) {
	bus := notify.NewBus()
	sub := bus.Subscribe(1, []string{"1"})
	defer sub.Close()

	bus.Notify(1, "4")

	select {
	case <-sub.C:
		t.Fatal("signalled for unwatched collection")
	default:
	}
}

func TestUserFilter(t *testing.T) {
	bus := notify.NewBus()
	sub := bus.Subscribe(1, nil)
	defer sub.Close()

	bus.Notify(2, "1")

	select {
	case <-sub.C:
		t.Fatal("signalled for another user")
	default:
	}
}

func TestCloseStopsSignals(t *testing.T) {
	bus := notify.NewBus()
	sub := bus.Subscribe(1, nil)
	sub.Close()
	sub.Close() // idempotent

	bus.Notify(1, "1")

	select {
	case <-sub.C:
		t.Fatal("signalled after Close")
	default:
	}
}

func TestManySubscribers(t *testing.T) {
	bus := notify.NewBus()
	inbox := bus.Subscribe(1, []string{"1"})
	defer inbox.Close()
	all := bus.Subscribe(1, nil)
	defer all.Close()

	bus.Notify(1, "6")

	select {
	case <-inbox.C:
		t.Fatal("inbox watcher signalled for calendar change")
	default:
	}
	select {
	case <-all.C:
	default:
		t.Fatal("watch-all subscriber missed the change")
	}
}
