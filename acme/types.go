package acme

// Directory is the resource map served at a CA's directory URL.
// https://datatracker.ietf.org/doc/html/rfc8555#section-7.1.1
type Directory struct {
	NewNonce   string `json:"newNonce"`
	NewAccount string `json:"newAccount"`
	NewOrder   string `json:"newOrder"`
	RevokeCert string `json:"revokeCert,omitempty"`
	KeyChange  string `json:"keyChange,omitempty"`
	Meta       struct {
		TermsOfService          string `json:"termsOfService,omitempty"`
		Website                 string `json:"website,omitempty"`
		ExternalAccountRequired bool   `json:"externalAccountRequired,omitempty"`
	} `json:"meta,omitempty"`
}

// Identifier names one subject of an order, always type "dns" here.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Order tracks a certificate request through the CA's state machine.
type Order struct {
	Status         string       `json:"status"`
	Expires        string       `json:"expires,omitempty"`
	Identifiers    []Identifier `json:"identifiers,omitempty"`
	Authorizations []string     `json:"authorizations,omitempty"`
	Finalize       string       `json:"finalize,omitempty"`
	Certificate    string       `json:"certificate,omitempty"`
	Error          *Problem     `json:"error,omitempty"`
}

// Authorization is the per-identifier proof-of-control resource.
type Authorization struct {
	Identifier Identifier  `json:"identifier"`
	Status     string      `json:"status"`
	Expires    string      `json:"expires,omitempty"`
	Challenges []Challenge `json:"challenges"`
	Wildcard   bool        `json:"wildcard,omitempty"`
}

// Challenge is one way the CA offers to validate an authorization.
type Challenge struct {
	Type   string   `json:"type"`
	URL    string   `json:"url"`
	Status string   `json:"status"`
	Token  string   `json:"token"`
	Error  *Problem `json:"error,omitempty"`
}

// Problem is the RFC 7807 document ACME servers attach to failures.
type Problem struct {
	Type   string `json:"type,omitempty"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status,omitempty"`
}

// Order and authorization statuses from RFC 8555 §7.1.6.
const (
	StatusPending    = "pending"
	StatusReady      = "ready"
	StatusProcessing = "processing"
	StatusValid      = "valid"
	StatusInvalid    = "invalid"
)

// ChallengeDNS01 is the only challenge type this client fulfils.
const ChallengeDNS01 = "dns-01"

// DNS01 picks the dns-01 challenge out of an authorization.
func (a *Authorization) DNS01() (*Challenge, error) {
	for i := range a.Challenges {
		if a.Challenges[i].Type == ChallengeDNS01 {
			return &a.Challenges[i], nil
		}
	}
	return nil, &ProtocolError{Op: "authorization", Reason: "no dns-01 challenge offered"}
}
