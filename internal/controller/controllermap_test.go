package controller

import "testing"

type fakeOwner struct {
	locals [MaxPlayers]Controller
	m      Map
}

func (f *fakeOwner) LocalControllers() [MaxPlayers]Controller { return f.locals }
func (f *fakeOwner) SetMap(m Map)                              { f.m = m }

func present(plugin uint8) Controller {
	return Controller{Plugin: plugin, Present: true, RawData: 0}
}

func TestAllocatePacksInOrder(t *testing.T) {
	a := &fakeOwner{locals: [MaxPlayers]Controller{present(1), {}, {}, {}}}
	b := &fakeOwner{locals: [MaxPlayers]Controller{present(2), {}, {}, {}}}

	netplay := Allocate([]Owner{a, b})

	if !netplay[0].Present || netplay[0].Plugin != 1 {
		t.Fatalf("slot 0 = %+v; want a's controller", netplay[0])
	}
	if !netplay[1].Present || netplay[1].Plugin != 2 {
		t.Fatalf("slot 1 = %+v; want b's controller", netplay[1])
	}
	if netplay[2].Present || netplay[3].Present {
		t.Fatalf("slots 2,3 should be absent: %+v", netplay)
	}

	if a.m.LocalToNetplay != [MaxPlayers]int8{0, -1, -1, -1} {
		t.Fatalf("a.LocalToNetplay = %v", a.m.LocalToNetplay)
	}
	if b.m.LocalToNetplay != [MaxPlayers]int8{1, -1, -1, -1} {
		t.Fatalf("b.LocalToNetplay = %v", b.m.LocalToNetplay)
	}
	if a.m.NetplayToLocal[0] != 0 {
		t.Fatalf("a.NetplayToLocal[0] = %d; want 0", a.m.NetplayToLocal[0])
	}
	if b.m.NetplayToLocal[1] != 0 {
		t.Fatalf("b.NetplayToLocal[1] = %d; want 0", b.m.NetplayToLocal[1])
	}
}

func TestAllocateOverflowBeyondMaxPlayersUnmapped(t *testing.T) {
	owners := make([]Owner, 0, 5)
	fakes := make([]*fakeOwner, 5)
	for i := 0; i < 5; i++ {
		f := &fakeOwner{locals: [MaxPlayers]Controller{present(byte(i)), {}, {}, {}}}
		fakes[i] = f
		owners = append(owners, f)
	}

	netplay := Allocate(owners)

	for i := 0; i < MaxPlayers; i++ {
		if !netplay[i].Present {
			t.Fatalf("slot %d should be present", i)
		}
	}
	if fakes[4].m.LocalToNetplay[0] != Unmapped {
		t.Fatalf("5th owner's controller should be unmapped, got %d", fakes[4].m.LocalToNetplay[0])
	}
}

func TestAllocateRepackOnQuit(t *testing.T) {
	a := &fakeOwner{locals: [MaxPlayers]Controller{present(1), {}, {}, {}}}
	c := &fakeOwner{locals: [MaxPlayers]Controller{present(3), {}, {}, {}}}

	// B quits; repack with only A and C remaining (C was slot 2, becomes slot 1).
	netplay := Allocate([]Owner{a, c})

	if netplay[0].Plugin != 1 || netplay[1].Plugin != 3 {
		t.Fatalf("netplay = %+v; want a,c packed at 0,1", netplay)
	}
	if c.m.LocalToNetplay[0] != 1 {
		t.Fatalf("c.LocalToNetplay[0] = %d; want 1 after repack", c.m.LocalToNetplay[0])
	}
}
