package command

// Status is the first token of a reply line.
type Status string

const (
	// StatusOK reports success, optionally followed by a value.
	StatusOK Status = "OK"
	// StatusError reports a malformed or unrecognised command.
	StatusError Status = "ERROR"
	// StatusNoService reports an EX with an unusable service id.
	StatusNoService Status = "NO-SERVICE"
)

// Reply is the response to one command line.
type Reply struct {
	Status   Status
	Value    string
	HasValue bool
}

// OK returns a bare OK reply.
func OK() Reply { return Reply{Status: StatusOK} }

// OKValue returns an OK reply carrying value.
func OKValue(value string) Reply { return Reply{Status: StatusOK, Value: value, HasValue: true} }

// Error returns an ERROR reply.
func Error() Reply { return Reply{Status: StatusError} }

// NoService returns a NO-SERVICE reply.
func NoService() Reply { return Reply{Status: StatusNoService} }

// String renders the newline-terminated wire form.
func (r Reply) String() string {
	if r.HasValue {
		return string(r.Status) + " " + r.Value + "\n"
	}
	return string(r.Status) + "\n"
}
