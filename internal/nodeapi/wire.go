package nodeapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

var (
	errMissingMissed   = errors.New("missedblocks is missing or null")
	errMissingProduced = errors.New("producedblocks is missing or null")
)

// Rows are kept raw so one unreadable row does not fail the listing.
type delegatesResponse struct {
	Success   *bool             `json:"success"`
	Error     string            `json:"error"`
	Delegates []json.RawMessage `json:"delegates"`
}

func (r delegatesResponse) err() error {
	if r.Success != nil && !*r.Success {
		return apiError(r.Error)
	}
	if r.Delegates == nil {
		return fmt.Errorf("response has no delegates")
	}
	return nil
}

func (r delegatesResponse) delegates() []Delegate {
	out := make([]Delegate, 0, len(r.Delegates))
	for _, raw := range r.Delegates {
		out = append(out, decodeDelegate(raw))
	}
	return out
}

// decodeDelegate never fails; a row it cannot read comes back with Err set
// and whatever name could be recovered.
func decodeDelegate(raw json.RawMessage) Delegate {
	var w wireDelegate
	if err := json.Unmarshal(raw, &w); err != nil {
		var named struct {
			Username string `json:"username"`
		}
		_ = json.Unmarshal(raw, &named)
		return Delegate{Username: named.Username, Err: err}
	}
	d := Delegate{
		Username:     w.Username,
		Address:      w.Address,
		PublicKey:    w.PublicKey,
		Rank:         int(w.Rate),
		Vote:         string(w.Vote),
		Approval:     float64(w.Approval),
		Productivity: float64(w.Productivity),
	}
	switch {
	case w.MissedBlocks == nil:
		d.Err = errMissingMissed
	case w.ProducedBlocks == nil:
		d.Err = errMissingProduced
	default:
		d.Missed, d.Produced = int64(*w.MissedBlocks), int64(*w.ProducedBlocks)
	}
	return d
}

// Counters are pointers: a missing or null counter must not read as 0.
type wireDelegate struct {
	Username       string    `json:"username"`
	Address        string    `json:"address"`
	PublicKey      string    `json:"publicKey"`
	Vote           rawString `json:"vote"`
	Rate           flexInt   `json:"rate"`
	MissedBlocks   *flexInt  `json:"missedblocks"`
	ProducedBlocks *flexInt  `json:"producedblocks"`
	Approval       flexFloat `json:"approval"`
	Productivity   flexFloat `json:"productivity"`
}

type heightResponse struct {
	Success *bool   `json:"success"`
	Error   string  `json:"error"`
	Height  flexInt `json:"height"`
}

// flexInt decodes a JSON number or a numeric string. null stays 0.
type flexInt int64

func (v *flexInt) UnmarshalJSON(b []byte) error {
	s, err := unquoteNumber(b)
	if err != nil || s == "" {
		*v = 0
		return err
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("invalid integer %q", s)
		}
		n = int64(f)
	}
	*v = flexInt(n)
	return nil
}

type flexFloat float64

func (v *flexFloat) UnmarshalJSON(b []byte) error {
	s, err := unquoteNumber(b)
	if err != nil || s == "" {
		*v = 0
		return err
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q", s)
	}
	*v = flexFloat(f)
	return nil
}

// rawString keeps a number or string as its textual form. Vote weights
// exceed float64 precision on some networks.
type rawString string

func (v *rawString) UnmarshalJSON(b []byte) error {
	s, err := unquoteNumber(b)
	*v = rawString(s)
	return err
}

func unquoteNumber(b []byte) (string, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return "", nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return "", err
		}
		return string(bytes.TrimSpace([]byte(s))), nil
	}
	return string(b), nil
}
