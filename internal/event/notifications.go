package event

// Outbound notifications published after an operation commits. Amounts
// travel as decimal strings so downstream consumers never need 256-bit
// integer support to parse them.

type Credited struct {
	Sequence   int64  `json:"sequence"`
	Account    string `json:"account"`
	Amount     string `json:"amount"`
	NewBalance string `json:"new_balance"`
}

type Debited struct {
	Sequence   int64  `json:"sequence"`
	Account    string `json:"account"`
	Amount     string `json:"amount"`
	NewBalance string `json:"new_balance"`
}

type Distributed struct {
	Sequence   int64  `json:"sequence"`
	Caller     string `json:"caller"`
	Total      string `json:"total"`
	Recipients int    `json:"recipients"`
}
