package orders

type Status string

const (
	StatusCreated  Status = "created"
	StatusPaid     Status = "paid"
	StatusCanceled Status = "canceled"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:  {StatusPaid: true, StatusCanceled: true},
	StatusPaid:     {},
	StatusCanceled: {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func (s Status) Terminal() bool {
	return s == StatusPaid || s == StatusCanceled
}

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

// checkTransition reports whether from->to must be applied. A request for the
// state the order is already in is an idempotent no-op.
func checkTransition(from, to Status) (apply bool, err error) {
	if from == to {
		return false, nil
	}
	if !CanTransition(from, to) {
		return false, &TransitionError{From: from, To: to}
	}
	return true, nil
}
