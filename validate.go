package permazen

import (
	"fmt"
	"strings"
	"time"

	"github.com/learn-decentralized-systems/toytlv"
	"github.com/pkg/errors"

	"github.com/permazen/permazen-go/oid"
	"github.com/permazen/permazen-go/schema"
)

// conflict messages enumerate at most this many ids, self included
const maxNamedConflicts = 5

func (tx *Transaction) enqueueValidation(id oid.ID, groups schema.Groups) {
	if len(groups) == 0 {
		groups = schema.DefaultGroups
	}
	tx.lock.Lock()
	if prev, ok := tx.queue[id]; ok {
		tx.queue[id] = prev.Union(groups)
	} else {
		tx.queue[id] = groups
	}
	tx.lock.Unlock()
}

func (tx *Transaction) dequeueValidation(id oid.ID) {
	tx.lock.Lock()
	delete(tx.queue, id)
	tx.lock.Unlock()
}

func (tx *Transaction) popValidation() (oid.ID, schema.Groups, bool) {
	tx.lock.Lock()
	defer tx.lock.Unlock()
	for id, groups := range tx.queue {
		delete(tx.queue, id)
		return id, groups, true
	}
	return oid.Nil, nil, false
}

// Revalidate enqueues the object for the given validation groups, no
// groups meaning the default group. Re-enqueuing unions the group
// sets; the queued object is checked exactly once per drain.
func (tx *Transaction) Revalidate(id oid.ID, groups ...schema.Group) error {
	if err := tx.check(); err != nil {
		return err
	}
	exists, err := tx.kvt.Exists(id)
	if err != nil {
		return err
	}
	if !exists {
		return &DeletedObjectError{ID: id}
	}
	tx.enqueueValidation(id, schema.NewGroups(groups...))
	return nil
}

// ResetValidationQueue drops all pending entries; the dropped objects
// are simply never checked.
func (tx *Transaction) ResetValidationQueue() error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.lock.Lock()
	clear(tx.queue)
	tx.lock.Unlock()
	return nil
}

// Validate drains the validation queue, checking each queued object
// under its accumulated group set: early hooks, singleton constraint,
// registered validators, unique fields and unique composite tuples,
// late hooks. The first failure aborts the drain; not-yet-processed
// entries stay queued and the transaction remains usable, so the
// caller may correct data and drain again.
func (tx *Transaction) Validate() error {
	if err := tx.check(); err != nil {
		return err
	}
	tx.lock.Lock()
	disabled := tx.validationDisabled
	tx.lock.Unlock()
	if disabled {
		return nil
	}
	start := time.Now()
	for {
		id, groups, ok := tx.popValidation()
		if !ok {
			break
		}
		if err := tx.validateOne(id, groups); err != nil {
			ValidationDrains.WithLabelValues("failure").Inc()
			ValidationDuration.WithLabelValues("failure").Observe(time.Since(start).Seconds())
			return err
		}
	}
	ValidationDrains.WithLabelValues("success").Inc()
	ValidationDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	return nil
}

func (tx *Transaction) validateOne(id oid.ID, groups schema.Groups) error {
	exists, err := tx.kvt.Exists(id)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}
	ot, err := tx.schema.TypeByTag(id.Tag())
	if err != nil {
		tx.log.Debug("skipping validation of unknown type", "id", id.String())
		return nil
	}

	if hooks, _ := tx.db.earlyHooks.Load(ot.Name); len(hooks) > 0 {
		for _, h := range hooks {
			if err = h(tx, id, groups); err != nil {
				return err
			}
		}
		// an early hook may delete the object; processing stops then
		if exists, err = tx.kvt.Exists(id); err != nil || !exists {
			return err
		}
	}

	if ot.Singleton {
		if err = tx.checkSingleton(id, ot); err != nil {
			ValidationChecks.WithLabelValues(ot.Name, "singleton", "failure").Inc()
			return err
		}
		ValidationChecks.WithLabelValues(ot.Name, "singleton", "ok").Inc()
	}

	if vs, _ := tx.db.validators.Load(ot.Name); len(vs) > 0 {
		for _, v := range vs {
			if err = v.Validate(tx, id, groups); err != nil {
				ValidationChecks.WithLabelValues(ot.Name, "validator", "failure").Inc()
				return asValidationError(id, ot, err)
			}
		}
		ValidationChecks.WithLabelValues(ot.Name, "validator", "ok").Inc()
	}

	if groups.Has(schema.Default) || groups.Has(schema.Uniqueness) {
		for i := range ot.Fields {
			f := &ot.Fields[i]
			if !f.Unique {
				continue
			}
			if err = tx.checkUniqueField(id, ot, f); err != nil {
				ValidationChecks.WithLabelValues(ot.Name, "unique", "failure").Inc()
				return err
			}
		}
		for i := range ot.Composite {
			ci := &ot.Composite[i]
			if !ci.Unique {
				continue
			}
			if err = tx.checkUniqueComposite(id, ot, ci); err != nil {
				ValidationChecks.WithLabelValues(ot.Name, "composite", "failure").Inc()
				return err
			}
		}
		ValidationChecks.WithLabelValues(ot.Name, "unique", "ok").Inc()
	}

	if hooks, _ := tx.db.lateHooks.Load(ot.Name); len(hooks) > 0 {
		for _, h := range hooks {
			if err = h(tx, id, groups); err != nil {
				return err
			}
		}
	}
	return nil
}

// validator errors become validation failures naming the object and
// type; errors that already do, and the engine's retry signal, pass
// unchanged
func asValidationError(id oid.ID, ot *schema.ObjectType, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return err
	}
	return &ValidationError{ID: id, Type: ot.Name, Detail: err.Error()}
}

func (tx *Transaction) checkSingleton(id oid.ID, ot *schema.ObjectType) error {
	for other := range tx.kvt.InstancesOf(ot.StorageTag) {
		if other != id {
			return &ValidationError{ID: id, Type: ot.Name,
				Detail: fmt.Sprintf("singleton type has another instance %s", other)}
		}
	}
	return nil
}

// simpleValue reads and decodes one stored simple-field value; ok is
// false when the field is unset.
func (tx *Transaction) simpleValue(id oid.ID, f *schema.Field) (any, bool, error) {
	tlv, err := tx.kvt.ReadRaw(id, f)
	if err != nil {
		return nil, false, mapObjectErr(id, err)
	}
	if tlv == nil {
		return nil, false, nil
	}
	enc, err := f.ValueEncoding()
	if err != nil {
		return nil, false, err
	}
	_, body, _ := toytlv.TakeAny(tlv)
	v, err := enc.Decode(body)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (tx *Transaction) checkUniqueField(id oid.ID, ot *schema.ObjectType, f *schema.Field) error {
	v, ok, err := tx.simpleValue(id, f)
	if err != nil || !ok {
		return err
	}
	if f.Excluded(v) {
		return nil
	}
	q, err := tx.QuerySimpleIndex(ot.Name, f.Name)
	if err != nil {
		return err
	}
	seq, err := q.Find(v)
	if err != nil {
		return err
	}
	conflicts := collectConflicts(seq, id)
	if len(conflicts) < 2 {
		return nil
	}
	return &ValidationError{ID: id, Type: ot.Name,
		Detail: fmt.Sprintf("field %q value is not unique among objects %s",
			f.Name, nameIds(conflicts))}
}

func (tx *Transaction) checkUniqueComposite(id oid.ID, ot *schema.ObjectType, ci *schema.CompositeIndex) error {
	values := make([]any, 0, len(ci.FieldNames))
	for _, fn := range ci.FieldNames {
		f, err := ot.Field(fn)
		if err != nil {
			return err
		}
		v, ok, err := tx.simpleValue(id, f)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		values = append(values, v)
	}
	q, err := tx.QueryCompositeIndex(ot.Name, ci.Name)
	if err != nil {
		return err
	}
	seq, err := q.FindTuple(values...)
	if err != nil {
		return err
	}
	conflicts := collectConflicts(seq, id)
	if len(conflicts) < 2 {
		return nil
	}
	return &ValidationError{ID: id, Type: ot.Name,
		Detail: fmt.Sprintf("composite index %q tuple is not unique among objects %s",
			ci.Name, nameIds(conflicts))}
}

// collectConflicts gathers the ids sharing an index key, self first,
// capped at maxNamedConflicts.
func collectConflicts(seq func(yield func(oid.ID) bool), self oid.ID) []oid.ID {
	conflicts := []oid.ID{self}
	for other := range seq {
		if other == self {
			continue
		}
		conflicts = append(conflicts, other)
		if len(conflicts) == maxNamedConflicts {
			break
		}
	}
	return conflicts
}

func nameIds(ids []oid.ID) string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		names = append(names, id.String())
	}
	return "[" + strings.Join(names, " ") + "]"
}
