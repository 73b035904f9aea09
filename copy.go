package permazen

import (
	"iter"
	"strings"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/kv"
	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

// CopyState carries the bookkeeping of one logical copy operation,
// possibly spanning several CopyTo/Cascade calls: which source ids
// have already been copied, which (id, path) pairs the reference-path
// walk has traversed, and which copied references still point at
// objects absent from the destination. Both membership sets only ever
// grow, which is what terminates cycles.
type CopyState struct {
	// Remap renames ids on the way into the destination; nil means
	// identity.
	Remap func(oid.ID) oid.ID

	// SuppressNotifications skips destination listener dispatch even
	// for live destinations.
	SuppressNotifications bool

	copied    map[oid.ID]struct{}
	traversed map[traversalKey]struct{}

	// unresolved deleted-assignment records, keyed by the missing
	// destination-side target; a later copy of the target resolves
	// its records
	deleted map[oid.ID][]kv.DeletedRef
}

type traversalKey struct {
	id   oid.ID
	path string
}

func NewCopyState() *CopyState {
	return &CopyState{
		copied:    make(map[oid.ID]struct{}),
		traversed: make(map[traversalKey]struct{}),
		deleted:   make(map[oid.ID][]kv.DeletedRef),
	}
}

func (cs *CopyState) IsCopied(id oid.ID) bool {
	_, ok := cs.copied[id]
	return ok
}

func (cs *CopyState) markTraversed(id oid.ID, path []string) bool {
	key := traversalKey{id: id, path: strings.Join(path, ".")}
	if _, ok := cs.traversed[key]; ok {
		return false
	}
	cs.traversed[key] = struct{}{}
	return true
}

func (cs *CopyState) dstID(src oid.ID) oid.ID {
	if cs.Remap == nil {
		return src
	}
	return cs.Remap(src)
}

// checkDeleted fails the operation if any copied reference still
// points at an object that never showed up in the destination.
func (cs *CopyState) checkDeleted() error {
	for _, refs := range cs.deleted {
		r := refs[0]
		return &DeletedAssignmentError{Referrer: r.Referrer, Target: r.Target, Field: r.Field}
	}
	return nil
}

// copyOne runs the shared per-object copy step. A missing source
// object fails a required copy and is swallowed otherwise.
func (tx *Transaction) copyOne(dst *Transaction, cs *CopyState, id oid.ID, required bool) error {
	if cs.IsCopied(id) {
		return nil
	}
	notify := !cs.SuppressNotifications &&
		!(dst.detached && !dst.db.store.HasListeners(cs.dstID(id).Tag()))
	refs, err := tx.kvt.CopyObject(dst.kvt, id, cs.Remap, notify)
	if err != nil {
		if !required && errors.Is(err, kv.ErrObjectUnknown) {
			return nil
		}
		return mapObjectErr(id, err)
	}
	cs.copied[id] = struct{}{}
	CopyCount.WithLabelValues("object").Inc()

	dstID := cs.dstID(id)
	if o, ok := dst.handles[dstID]; ok {
		o.invalidate()
	}
	if ot, err := dst.schema.TypeByTag(dstID.Tag()); err == nil && ot.AutoValidate {
		dst.enqueueValidation(dstID, nil)
	}
	for _, r := range refs {
		cs.deleted[r.Target] = append(cs.deleted[r.Target], r)
	}
	// this object just appeared in the destination; forward
	// references to it are resolved now
	delete(cs.deleted, dstID)
	return nil
}

// CopyTo copies the given objects into dst. Every named id must
// exist; reference fields pointing at objects absent from the
// destination once all ids are copied fail the operation unless the
// field allows deleted targets.
func (tx *Transaction) CopyTo(dst *Transaction, state *CopyState, ids ...oid.ID) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := dst.check(); err != nil {
		return err
	}
	if state == nil {
		state = NewCopyState()
	}
	for _, id := range ids {
		if err := tx.copyOne(dst, state, id, true); err != nil {
			return err
		}
	}
	return state.checkDeleted()
}

// Cascade copies the seeds and everything reachable from them over
// reference fields tagged with any of the named cascades, forward and
// inverse, in no particular order.
func (tx *Transaction) Cascade(dst *Transaction, state *CopyState, cascades []string, seeds ...oid.ID) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := dst.check(); err != nil {
		return err
	}
	if state == nil {
		state = NewCopyState()
	}
	visited := make(map[oid.ID]struct{}, len(seeds))
	required := make(map[oid.ID]struct{}, len(seeds))
	worklist := make([]oid.ID, 0, len(seeds))
	for _, id := range seeds {
		required[id] = struct{}{}
		if _, ok := visited[id]; ok {
			continue
		}
		visited[id] = struct{}{}
		worklist = append(worklist, id)
	}
	for len(worklist) > 0 {
		id := worklist[len(worklist)-1]
		worklist = worklist[:len(worklist)-1]
		_, must := required[id]
		if err := tx.copyOne(dst, state, id, must); err != nil {
			return err
		}
		next, err := tx.cascadeNeighbors(id, cascades)
		if err != nil {
			return err
		}
		for _, n := range next {
			if _, ok := visited[n]; ok {
				continue
			}
			visited[n] = struct{}{}
			worklist = append(worklist, n)
		}
	}
	return state.checkDeleted()
}

// CascadeFindAll enumerates the ids reachable from id over the named
// cascades within maxDist hops, in strict level order, the seed
// first. The sequence is lazy; breaking out early skips the unreached
// levels. An expansion failure ends the walk with a final non-nil
// error element, the engine's retry signal included. A negative
// maxDist means unbounded.
func (tx *Transaction) CascadeFindAll(id oid.ID, cascades []string, maxDist int) (iter.Seq2[oid.ID, error], error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	exists, err := tx.kvt.Exists(id)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &DeletedObjectError{ID: id}
	}
	return func(yield func(oid.ID, error) bool) {
		visited := map[oid.ID]struct{}{id: {}}
		level := []oid.ID{id}
		for dist := 0; len(level) > 0; dist++ {
			var next []oid.ID
			for _, cur := range level {
				if !yield(cur, nil) {
					return
				}
				if maxDist >= 0 && dist >= maxDist {
					continue
				}
				found, err := tx.cascadeNeighbors(cur, cascades)
				if err != nil {
					yield(oid.Nil, err)
					return
				}
				for _, n := range found {
					if _, ok := visited[n]; ok {
						continue
					}
					visited[n] = struct{}{}
					next = append(next, n)
				}
			}
			level = next
		}
	}, nil
}

// cascadeNeighbors expands one object: forward over its own
// cascade-tagged reference fields, inverse over other types'
// cascade-tagged reference fields through their indexes, restricted
// to the eligible referrer types.
func (tx *Transaction) cascadeNeighbors(id oid.ID, cascades []string) ([]oid.ID, error) {
	ot, err := tx.schema.TypeByTag(id.Tag())
	if err != nil {
		// objects of tags outside the schema have no cascade edges
		return nil, nil
	}
	var found []oid.ID
	for i := range ot.Fields {
		f := &ot.Fields[i]
		if !f.IsReference() {
			continue
		}
		tagged := false
		for _, c := range cascades {
			if f.HasForwardCascade(c) {
				tagged = true
				break
			}
		}
		if !tagged {
			continue
		}
		targets, err := tx.referenceTargets(id, f)
		if err != nil {
			return nil, err
		}
		found = append(found, targets...)
	}
	for _, c := range cascades {
		for _, ref := range tx.schema.InverseRefs(c, ot) {
			found = append(found, tx.inverseReferrers(id, ref)...)
		}
	}
	return found, nil
}

// referenceTargets reads the ids a reference field currently holds,
// iterating elements for complex kinds.
func (tx *Transaction) referenceTargets(id oid.ID, f *schema.Field) ([]oid.ID, error) {
	var targets []oid.ID
	add := func(raw []byte) {
		if len(raw) == 8 {
			targets = append(targets, oid.FromBytes(raw))
		}
	}
	switch f.Kind {
	case schema.Reference:
		tlv, err := tx.kvt.ReadRaw(id, f)
		if err != nil {
			return nil, mapObjectErr(id, err)
		}
		if tlv == nil {
			return nil, nil
		}
		add(tlvBody(tlv))
	case schema.Set:
		for raw := range tx.kvt.SetElems(id, f) {
			add(raw)
		}
	case schema.List:
		for _, tlv := range tx.kvt.ListElems(id, f) {
			add(tlvBody(tlv))
		}
	case schema.Map:
		for _, tlv := range tx.kvt.MapElems(id, f) {
			add(tlvBody(tlv))
		}
	}
	return targets, nil
}

// inverseReferrers finds the objects whose cascade-tagged reference
// field points at id, through the field's index. Unindexed fields
// contribute nothing; the schema builder rejects inverse-cascade tags
// on unindexed fields up front.
func (tx *Transaction) inverseReferrers(id oid.ID, ref schema.InverseRef) []oid.ID {
	if !ref.Field.Indexed {
		return nil
	}
	ranges := typeRanges(tx.schema, ref.Owner.Name)
	key := id.Bytes()
	var scan iter.Seq[kv.IndexEntry]
	switch ref.Field.Kind {
	case schema.Reference:
		scan = tx.kvt.ScanSimpleIndex(ref.Field.StorageID, key, ranges)
	case schema.List:
		scan = tx.kvt.ScanListIndex(ref.Field.StorageID, key, ranges)
	case schema.Map:
		scan = tx.kvt.ScanMapValueIndex(ref.Field.StorageID, key, ranges)
	default:
		return nil
	}
	var referrers []oid.ID
	seen := make(map[oid.ID]struct{})
	for e := range scan {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		seen[e.ID] = struct{}{}
		referrers = append(referrers, e.ID)
	}
	return referrers
}

// CopyReferencePaths copies the object, then walks each reference
// path one hop at a time, copying the target at every hop. The root
// copy is required; a broken link further along truncates that path
// without failing the operation.
func (tx *Transaction) CopyReferencePaths(dst *Transaction, state *CopyState, id oid.ID, paths ...[]string) error {
	if err := tx.check(); err != nil {
		return err
	}
	if err := dst.check(); err != nil {
		return err
	}
	if state == nil {
		state = NewCopyState()
	}
	if err := tx.copyOne(dst, state, id, true); err != nil {
		return err
	}
	for _, path := range paths {
		if err := tx.copyPath(dst, state, id, path); err != nil {
			return err
		}
	}
	return state.checkDeleted()
}

func (tx *Transaction) copyPath(dst *Transaction, cs *CopyState, id oid.ID, path []string) error {
	if len(path) == 0 {
		return nil
	}
	if !cs.markTraversed(id, path) {
		return nil
	}
	ot, err := tx.schema.TypeByTag(id.Tag())
	if err != nil {
		return errors.Wrap(ErrTypeNotInSchema, id.String())
	}
	f, err := ot.Field(path[0])
	if err != nil {
		return err
	}
	if !f.IsReference() {
		return kv.ErrWrongFieldKind
	}
	targets, err := tx.referenceTargets(id, f)
	if err != nil {
		return err
	}
	for _, target := range targets {
		if err = tx.copyOne(dst, cs, target, false); err != nil {
			return err
		}
		if !cs.IsCopied(target) {
			// broken link; this path ends here
			continue
		}
		if err = tx.copyPath(dst, cs, target, path[1:]); err != nil {
			return err
		}
	}
	return nil
}

func tlvBody(tlv []byte) []byte {
	_, body, _ := toytlv.TakeAny(tlv)
	return body
}
