package tracking

import "github.com/pkg/errors"

var (
	// ErrSubjectNotFound — документа субъекта нет в хранилище.
	ErrSubjectNotFound = errors.New("subject not found")

	// ErrIllegalTransition — запрошенный статус недостижим из текущего.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrUnauthorized — роль не имеет права на этот переход.
	ErrUnauthorized = errors.New("role not allowed for this transition")
)
