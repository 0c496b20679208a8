package dnsprov

import "fmt"

// ZoneError means no hosting zone could be resolved for a domain.
type ZoneError struct {
	Domain string
	Hint   string
}

func (e *ZoneError) Error() string {
	return fmt.Sprintf("dnsprov: no zone for %s: %s", e.Domain, e.Hint)
}

// CreateError is a failed TXT record create or lookup.
type CreateError struct {
	Status int
	Body   string
}

func (e *CreateError) Error() string {
	return fmt.Sprintf("dnsprov: create txt record: status %d: %s", e.Status, e.Body)
}

// DeleteError is a failed record delete. The orchestrator logs these instead
// of letting them mask the issuance outcome.
type DeleteError struct {
	Status int
	Body   string
}

func (e *DeleteError) Error() string {
	return fmt.Sprintf("dnsprov: delete record: status %d: %s", e.Status, e.Body)
}
