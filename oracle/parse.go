package oracle

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/polylearn/types"
)

var (
	ErrNoJSON          = errors.New("no json object in oracle response")
	ErrInvalidDecision = errors.New("invalid oracle decision")
)

var validate = validator.New()

type wireDecision struct {
	Direction  string   `json:"direction" validate:"required,oneof=up down hold"`
	Confidence string   `json:"confidence" validate:"required,oneof=low medium high"`
	BetAmount  *float64 `json:"bet_amount" validate:"omitempty,gte=0"`
	Reasoning  string   `json:"reasoning" validate:"required"`
}

// ParseDecision decodes an oracle reply. The reply may wrap the JSON object in prose;
// the first balanced {...} is used. Unknown fields and out-of-range values are rejected.
func ParseDecision(raw []byte) (Decision, error) {
	obj, ok := firstObject(raw)
	if !ok {
		return nil, ErrNoJSON
	}

	dec := json.NewDecoder(bytes.NewReader(obj))
	dec.DisallowUnknownFields()

	var w wireDecision
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}
	if err := validate.Struct(w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDecision, err)
	}

	conf := types.Confidence(w.Confidence)
	if w.Direction == string(types.DirectionHold) {
		return Hold{Confidence: conf, Reasoning: w.Reasoning}, nil
	}

	amount := decimal.Zero
	if w.BetAmount != nil {
		amount = decimal.NewFromFloat(*w.BetAmount).Round(2)
	}
	return Bet{
		Direction:  types.Direction(w.Direction),
		Confidence: conf,
		Amount:     amount,
		Reasoning:  w.Reasoning,
	}, nil
}

// firstObject returns the first brace-balanced object, skipping braces inside strings
func firstObject(raw []byte) ([]byte, bool) {
	start := bytes.IndexByte(raw, '{')
	if start < 0 {
		return nil, false
	}

	depth := 0
	inString, escaped := false, false
	for i := start; i < len(raw); i++ {
		c := raw[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return raw[start : i+1], true
			}
		}
	}
	return nil, false
}
