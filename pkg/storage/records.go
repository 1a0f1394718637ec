package storage

import (
	"bytes"
	"encoding/gob"

	"github.com/orneryd/framestore/pkg/errors"
	"github.com/orneryd/framestore/pkg/frame"
	"github.com/orneryd/framestore/pkg/regen"
	"github.com/orneryd/framestore/pkg/serial"
)

// ErrCorruptRecord marks a record that could not be decoded.
var ErrCorruptRecord = errors.New("corrupt record")

// Profile is the always-resident summary of one stored instance. It lets
// identity listing and reference tracking run without parsing the instance
// document.
type Profile struct {
	Identity   frame.Identity
	TypeID     frame.TypeID
	References []frame.Identity
}

// ProfileOf builds the profile of instance stored as id. References to id
// itself are left out.
func ProfileOf(instance *frame.Graph, id frame.Identity) Profile {
	p := Profile{Identity: id, TypeID: instance.RootType()}
	for _, ref := range instance.ReferenceIDs() {
		if ref != id {
			p.References = append(p.References, ref)
		}
	}
	return p
}

func encodeProfile(p Profile) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&p); err != nil {
		return nil, errors.Wrap(err, "failed to encode profile")
	}
	return buf.Bytes(), nil
}

func decodeProfile(data []byte) (Profile, error) {
	var p Profile
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return Profile{}, errors.Wrap(errors.WithSecondaryError(ErrCorruptRecord, err), "failed to decode profile")
	}
	if p.Identity == "" || p.TypeID == "" {
		return Profile{}, errors.Wrap(ErrCorruptRecord, "profile without identity or type")
	}
	return p, nil
}

// StoredProfile is a profile read back together with its index.
type StoredProfile struct {
	Index   int
	Profile Profile
}

// UnreadableProfile is a stored profile that could not be decoded.
type UnreadableProfile struct {
	Index int
	Err   error
}

// Serializer writes instance graphs and their profiles to an Engine and
// reads them back through regeneration.
type Serializer struct {
	engine *Engine
	schema regen.Schema
}

// NewSerializer returns a serializer over engine that regenerates against
// the live schema s.
func NewSerializer(engine *Engine, s regen.Schema) *Serializer {
	return &Serializer{engine: engine, schema: s}
}

// Engine returns the underlying engine.
func (s *Serializer) Engine() *Engine { return s.engine }

// Write stores instance and its profile at index in one transaction.
func (s *Serializer) Write(instance *frame.Graph, id frame.Identity, index int) error {
	data, err := serial.Encode(instance)
	if err != nil {
		return err
	}
	profile, err := encodeProfile(ProfileOf(instance, id))
	if err != nil {
		return err
	}
	if err := s.engine.Put(index, data, profile); err != nil {
		return errors.Wrapf(err, "failed to write %s", id)
	}
	return nil
}

// Read loads the instance at index and regenerates it against the live
// schema. A record that cannot be read or decoded comes back fully invalid
// with Err set; only a closed engine is returned as an error.
func (s *Serializer) Read(id frame.Identity, index int) (*regen.Result, error) {
	rootType := frame.TypeID("")
	if p, err := s.readProfile(index); err == nil {
		rootType = p.TypeID
	}

	data, err := s.engine.Get(index)
	if err != nil {
		if errors.Is(err, ErrStorageClosed) {
			return nil, err
		}
		return regen.Invalid(id, rootType, err), nil
	}
	doc, err := serial.Decode(data)
	if err != nil {
		return regen.Invalid(id, rootType, errors.WithSecondaryError(ErrCorruptRecord, err)), nil
	}
	return regen.Regenerate(id, doc, s.schema), nil
}

// ReadProfileTypeID reads only the profile at index and returns its type.
func (s *Serializer) ReadProfileTypeID(index int) (frame.TypeID, error) {
	p, err := s.readProfile(index)
	if err != nil {
		return "", err
	}
	return p.TypeID, nil
}

// ReadProfile reads the profile at index.
func (s *Serializer) ReadProfile(index int) (Profile, error) {
	return s.readProfile(index)
}

func (s *Serializer) readProfile(index int) (Profile, error) {
	data, err := s.engine.GetProfile(index)
	if err != nil {
		return Profile{}, err
	}
	return decodeProfile(data)
}

// RenameProfile rewrites the identity held in the profile at index.
func (s *Serializer) RenameProfile(index int, id frame.Identity) error {
	p, err := s.readProfile(index)
	if err != nil {
		return err
	}
	p.Identity = id
	data, err := encodeProfile(p)
	if err != nil {
		return err
	}
	return s.engine.PutProfile(index, data)
}

// Retarget rewrites the stored references from one identity to another in
// the record at index and stores the record under id. The stored document
// is edited as written, without regeneration, so content pruned by schema
// drift is kept for a later schema that accepts it again. A document that
// cannot be decoded is left untouched and reported as ErrCorruptRecord.
// It returns the number of references rewritten.
func (s *Serializer) Retarget(index int, id, from, to frame.Identity) (int, error) {
	p, err := s.readProfile(index)
	if err != nil {
		return 0, err
	}
	data, err := s.engine.Get(index)
	if err != nil {
		return 0, err
	}
	doc, err := serial.Decode(data)
	if err != nil {
		return 0, errors.Wrapf(errors.WithSecondaryError(ErrCorruptRecord, err), "cannot rewrite %s", p.Identity)
	}

	n := doc.RetargetReferences(from, to)
	if n == 0 && p.Identity == id {
		return 0, nil
	}
	if n > 0 {
		if data, err = doc.Marshal(); err != nil {
			return 0, err
		}
	}
	p.Identity = id
	p.References = retargetIdentities(p.References, from, to, id)
	profile, err := encodeProfile(p)
	if err != nil {
		return 0, err
	}
	if err := s.engine.Put(index, data, profile); err != nil {
		return 0, errors.Wrapf(err, "failed to write %s", id)
	}
	return n, nil
}

// retargetIdentities replaces from with to in refs, keeping profile rules:
// no duplicates and no reference to the owner itself.
func retargetIdentities(refs []frame.Identity, from, to, owner frame.Identity) []frame.Identity {
	seen := make(map[frame.Identity]bool, len(refs))
	out := refs[:0]
	for _, r := range refs {
		if r == from {
			r = to
		}
		if r == owner || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	return out
}

// Remove deletes the record pair at index.
func (s *Serializer) Remove(index int) error {
	return s.engine.Delete(index)
}

// Clear deletes every record pair.
func (s *Serializer) Clear() error {
	return s.engine.DropAll()
}

// StoredProfiles reads every stored profile. Profiles that cannot be decoded
// are returned separately and do not stop the scan, as are data records
// left without a profile.
func (s *Serializer) StoredProfiles() ([]StoredProfile, []UnreadableProfile, error) {
	var (
		profiles   []StoredProfile
		unreadable []UnreadableProfile
	)
	seen := make(map[int]bool)
	err := s.engine.ScanProfiles(func(index int, data []byte) error {
		seen[index] = true
		p, err := decodeProfile(data)
		if err != nil {
			unreadable = append(unreadable, UnreadableProfile{Index: index, Err: err})
			return nil
		}
		profiles = append(profiles, StoredProfile{Index: index, Profile: p})
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	indexes, err := s.engine.DataIndexes()
	if err != nil {
		return nil, nil, err
	}
	for _, index := range indexes {
		if !seen[index] {
			unreadable = append(unreadable, UnreadableProfile{
				Index: index,
				Err:   errors.Wrapf(ErrCorruptRecord, "data record %d has no profile", index),
			})
		}
	}
	return profiles, unreadable, nil
}
