package db

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/chazu/warren/vm"
)

// ---------------------------------------------------------------------------
// Overlay capture
// ---------------------------------------------------------------------------

// A suspended task's open transaction must survive a server restart, so
// its snapshot overlay is captured next to its frames. The wire form
// records each written object in full plus the base version observed at
// first write; restoring rebuilds the snapshot, and the usual commit
// check catches any world changes that landed in between.

var overlayEncMode cbor.EncMode

func init() {
	var err error
	overlayEncMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

type wireProperty struct {
	Name  string `cbor:"1,keyasint"`
	Owner int64  `cbor:"2,keyasint"`
	Perms uint8  `cbor:"3,keyasint"`
	Value []byte `cbor:"4,keyasint,omitempty"`
}

type wireVerb struct {
	Names   string `cbor:"1,keyasint"`
	Owner   int64  `cbor:"2,keyasint"`
	Perms   uint8  `cbor:"3,keyasint"`
	Program []byte `cbor:"4,keyasint,omitempty"`
}

type wireObject struct {
	ID       int64          `cbor:"1,keyasint"`
	Parent   int64          `cbor:"2,keyasint"`
	Owner    int64          `cbor:"3,keyasint"`
	Location int64          `cbor:"4,keyasint"`
	Contents []int64        `cbor:"5,keyasint,omitempty"`
	Flags    uint8          `cbor:"6,keyasint"`
	Seen     uint64         `cbor:"7,keyasint"`
	Props    []wireProperty `cbor:"8,keyasint,omitempty"`
	Verbs    []wireVerb     `cbor:"9,keyasint,omitempty"`
}

type wireOverlay struct {
	Objects []wireObject `cbor:"1,keyasint,omitempty"`
	Created []int64      `cbor:"2,keyasint,omitempty"`
}

// CaptureOverlay serializes a task's open transaction. Fails when the
// task holds none.
func (c *Coordinator) CaptureOverlay(taskID string) ([]byte, error) {
	c.mu.Lock()
	s, ok := c.active[taskID]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("db: no open transaction for task %s", taskID)
	}

	var w wireOverlay
	for id, o := range s.writes {
		wo, err := encodeOverlayObject(o)
		if err != nil {
			return nil, err
		}
		wo.Seen = s.seen[id]
		w.Objects = append(w.Objects, wo)
	}
	for _, id := range s.created {
		w.Created = append(w.Created, int64(id))
	}
	data, err := overlayEncMode.Marshal(&w)
	if err != nil {
		return nil, fmt.Errorf("db: encoding overlay for task %s: %w", taskID, err)
	}
	return data, nil
}

// RestoreOverlay rebuilds a task's open transaction from a captured
// blob. Identifiers the transaction created are re-reserved so later
// allocations cannot collide with them.
func (c *Coordinator) RestoreOverlay(taskID string, data []byte) error {
	var w wireOverlay
	if err := cbor.Unmarshal(data, &w); err != nil {
		return fmt.Errorf("db: decoding overlay for task %s: %w", taskID, err)
	}

	s := newSnapshot(c.world)
	for _, wo := range w.Objects {
		o, err := decodeOverlayObject(&wo)
		if err != nil {
			return err
		}
		s.writes[o.ID] = o
		s.seen[o.ID] = wo.Seen
	}
	for _, id := range w.Created {
		s.created = append(s.created, vm.ObjID(id))
		c.world.reserveID(vm.ObjID(id))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.active[taskID]; ok {
		return fmt.Errorf("db: task %s already has an open transaction", taskID)
	}
	c.active[taskID] = s
	return nil
}

func encodeOverlayObject(o *Object) (wireObject, error) {
	wo := wireObject{
		ID:       int64(o.ID),
		Parent:   int64(o.Parent),
		Owner:    int64(o.Owner),
		Location: int64(o.Location),
	}
	for _, id := range o.Contents {
		wo.Contents = append(wo.Contents, int64(id))
	}
	if o.Wizard {
		wo.Flags |= flagWizard
	}
	if o.Programmer {
		wo.Flags |= flagProgrammer
	}
	if o.Player {
		wo.Flags |= flagPlayer
	}
	for name, prop := range o.Props {
		wp := wireProperty{Name: name, Owner: int64(prop.Owner)}
		if prop.Readable {
			wp.Perms |= permReadable
		}
		if prop.Writable {
			wp.Perms |= permWritable
		}
		if prop.Clear {
			wp.Perms |= permClear
		}
		if prop.Value != nil {
			blob, err := vm.EncodeValue(prop.Value)
			if err != nil {
				return wireObject{}, fmt.Errorf("db: encoding #%d.%s: %w", o.ID, name, err)
			}
			wp.Value = blob
		}
		wo.Props = append(wo.Props, wp)
	}
	for _, verb := range o.Verbs {
		wv := wireVerb{Names: verb.Names, Owner: int64(verb.Owner)}
		if verb.Readable {
			wv.Perms |= permReadable
		}
		if verb.Executable {
			wv.Perms |= permExecutable
		}
		if verb.Debug {
			wv.Perms |= permDebug
		}
		if verb.Program != nil {
			blob, err := vm.MarshalProgram(verb.Program)
			if err != nil {
				return wireObject{}, fmt.Errorf("db: encoding verb on #%d: %w", o.ID, err)
			}
			wv.Program = blob
		}
		wo.Verbs = append(wo.Verbs, wv)
	}
	return wo, nil
}

func decodeOverlayObject(wo *wireObject) (*Object, error) {
	o := &Object{
		ID:         vm.ObjID(wo.ID),
		Parent:     vm.ObjID(wo.Parent),
		Owner:      vm.ObjID(wo.Owner),
		Location:   vm.ObjID(wo.Location),
		Wizard:     wo.Flags&flagWizard != 0,
		Programmer: wo.Flags&flagProgrammer != 0,
		Player:     wo.Flags&flagPlayer != 0,
		Props:      make(map[string]*Property, len(wo.Props)),
		Version:    wo.Seen,
	}
	for _, id := range wo.Contents {
		o.Contents = append(o.Contents, vm.ObjID(id))
	}
	for _, wp := range wo.Props {
		prop := &Property{
			Owner:    vm.ObjID(wp.Owner),
			Readable: wp.Perms&permReadable != 0,
			Writable: wp.Perms&permWritable != 0,
			Clear:    wp.Perms&permClear != 0,
		}
		if len(wp.Value) > 0 {
			v, err := vm.DecodeValue(wp.Value)
			if err != nil {
				return nil, fmt.Errorf("db: decoding #%d.%s: %w", o.ID, wp.Name, err)
			}
			prop.Value = v
		}
		o.Props[wp.Name] = prop
	}
	for _, wv := range wo.Verbs {
		verb := &Verb{
			Names:      wv.Names,
			Owner:      vm.ObjID(wv.Owner),
			Readable:   wv.Perms&permReadable != 0,
			Executable: wv.Perms&permExecutable != 0,
			Debug:      wv.Perms&permDebug != 0,
		}
		if len(wv.Program) > 0 {
			p, err := vm.UnmarshalProgram(wv.Program)
			if err != nil {
				return nil, fmt.Errorf("db: decoding verb on #%d: %w", o.ID, err)
			}
			verb.Program = p
		}
		o.Verbs = append(o.Verbs, verb)
	}
	return o, nil
}
