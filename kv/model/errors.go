package model

import (
	"fmt"
	"strings"

	"github.com/pingcap/errors"
)

// ErrorClass groups errors by how callers must react to them.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	// ClassValidation errors are reported to the caller and have no side effects beyond the failed operation.
	ClassValidation
	// ClassConsistency errors mean the entity would violate referential integrity; the transaction turns rollback-only.
	ClassConsistency
	// ClassConcurrency errors indicate the single writer invariant was broken. They are never retried.
	ClassConcurrency
	// ClassInternal errors indicate a bug, for instance a transactional layer that was never consumed.
	ClassInternal
	// ClassCommit errors wrap failures raised while executors committed their changes.
	ClassCommit
	// ClassCorruption is raised by catalogs that could not be loaded.
	ClassCorruption
)

func (c ErrorClass) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassConsistency:
		return "consistency"
	case ClassConcurrency:
		return "concurrency"
	case ClassInternal:
		return "internal"
	case ClassCommit:
		return "commit"
	case ClassCorruption:
		return "corruption"
	}
	return "unknown"
}

// ClassifiedError is implemented by every error of the taxonomy. PublicMessage is safe to show to clients,
// PrivateMessage may carry internal details.
type ClassifiedError interface {
	error
	Class() ErrorClass
	PublicMessage() string
	PrivateMessage() string
}

// ClassOf returns the class of err, looking through annotations added by pingcap/errors.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}
	if c, ok := errors.Cause(err).(ClassifiedError); ok {
		return c.Class()
	}
	return ClassUnknown
}

// IsFatal reports errors after which the transaction cannot continue.
func IsFatal(err error) bool {
	switch ClassOf(err) {
	case ClassConcurrency, ClassInternal, ClassCommit, ClassCorruption:
		return true
	}
	return false
}

type messages struct {
	public  string
	private string
}

func (m messages) PublicMessage() string { return m.public }

func (m messages) PrivateMessage() string {
	if m.private == "" {
		return m.public
	}
	return m.private
}

func (m messages) Error() string { return m.PrivateMessage() }

type InvalidMutationError struct {
	messages
}

func NewInvalidMutationError(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return errors.WithStack(&InvalidMutationError{messages{public: msg}})
}

func (e *InvalidMutationError) Class() ErrorClass { return ClassValidation }

type SchemaAlteringError struct {
	messages
}

func NewSchemaAlteringError(format string, args ...interface{}) error {
	return errors.WithStack(&SchemaAlteringError{messages{public: fmt.Sprintf(format, args...)}})
}

func (e *SchemaAlteringError) Class() ErrorClass { return ClassValidation }

type UniqueValueViolationError struct {
	messages
	Attribute string
	Value     string
	Existing  EntityReference
}

func NewUniqueValueViolationError(attribute, value string, existing EntityReference) error {
	return errors.WithStack(&UniqueValueViolationError{
		messages:  messages{public: fmt.Sprintf("unique constraint violation: attribute `%s` value `%s` is already used by %s", attribute, value, existing)},
		Attribute: attribute,
		Value:     value,
		Existing:  existing,
	})
}

func (e *UniqueValueViolationError) Class() ErrorClass { return ClassValidation }

type CollectionNotFoundError struct {
	messages
	EntityType string
}

func NewCollectionNotFoundError(entityType string) error {
	return errors.WithStack(&CollectionNotFoundError{
		messages:   messages{public: fmt.Sprintf("no collection found for entity type `%s`", entityType)},
		EntityType: entityType,
	})
}

func (e *CollectionNotFoundError) Class() ErrorClass { return ClassValidation }

type CatalogNotFoundError struct {
	messages
	Catalog string
}

func NewCatalogNotFoundError(name string) error {
	return errors.WithStack(&CatalogNotFoundError{
		messages: messages{public: fmt.Sprintf("catalog `%s` does not exist", name)},
		Catalog:  name,
	})
}

func (e *CatalogNotFoundError) Class() ErrorClass { return ClassValidation }

type ReadOnlySessionError struct {
	messages
}

func NewReadOnlySessionError() error {
	return errors.WithStack(&ReadOnlySessionError{messages{public: "session is read-only"}})
}

func (e *ReadOnlySessionError) Class() ErrorClass { return ClassValidation }

type ReferentialIntegrityError struct {
	messages
	Entity EntityReference
}

func NewReferentialIntegrityError(entity EntityReference, format string, args ...interface{}) error {
	return errors.WithStack(&ReferentialIntegrityError{
		messages: messages{public: fmt.Sprintf("%s: %s", entity, fmt.Sprintf(format, args...))},
		Entity:   entity,
	})
}

func (e *ReferentialIntegrityError) Class() ErrorClass { return ClassConsistency }

type ConcurrencyError struct {
	messages
}

func NewConcurrencyError(format string, args ...interface{}) error {
	return errors.WithStack(&ConcurrencyError{messages{
		public:  "concurrent modification detected, the operation was rejected",
		private: fmt.Sprintf(format, args...),
	}})
}

func (e *ConcurrencyError) Class() ErrorClass { return ClassConcurrency }

type InternalError struct {
	messages
}

func NewInternalError(format string, args ...interface{}) error {
	return errors.WithStack(&InternalError{messages{
		public:  "internal error",
		private: fmt.Sprintf(format, args...),
	}})
}

func (e *InternalError) Class() ErrorClass { return ClassInternal }

// TransactionFatalError wraps a failure raised while committing executors. Suppressed holds the errors raised by
// rollbacks that ran afterwards.
type TransactionFatalError struct {
	Cause      error
	Suppressed []error
}

func NewTransactionFatalError(cause error, suppressed ...error) error {
	return errors.WithStack(&TransactionFatalError{Cause: cause, Suppressed: suppressed})
}

func (e *TransactionFatalError) Class() ErrorClass { return ClassCommit }

func (e *TransactionFatalError) PublicMessage() string {
	return "transaction failed while committing and was rolled back"
}

func (e *TransactionFatalError) PrivateMessage() string {
	return e.Error()
}

func (e *TransactionFatalError) Error() string {
	var sb strings.Builder
	sb.WriteString("transaction fatal: ")
	sb.WriteString(e.Cause.Error())
	for _, s := range e.Suppressed {
		sb.WriteString("; suppressed: ")
		sb.WriteString(s.Error())
	}
	return sb.String()
}

type CatalogCorruptedError struct {
	messages
	Catalog string
	Cause   error
}

func NewCatalogCorruptedError(catalog string, cause error) error {
	return errors.WithStack(&CatalogCorruptedError{
		messages: messages{
			public:  fmt.Sprintf("catalog `%s` is corrupted and cannot be used", catalog),
			private: fmt.Sprintf("catalog `%s` is corrupted: %v", catalog, cause),
		},
		Catalog: catalog,
		Cause:   cause,
	})
}

func (e *CatalogCorruptedError) Class() ErrorClass { return ClassCorruption }

// MissingRequiredAttributeError reports an entity left without a value of a required attribute.
type MissingRequiredAttributeError struct {
	messages
	Entity    EntityReference
	Attribute string
}

func NewMissingRequiredAttributeError(entity EntityReference, attribute string) error {
	return errors.WithStack(&MissingRequiredAttributeError{
		messages:  messages{public: fmt.Sprintf("%s: required attribute `%s` has no value", entity, attribute)},
		Entity:    entity,
		Attribute: attribute,
	})
}

func (e *MissingRequiredAttributeError) Class() ErrorClass { return ClassConsistency }
