package rpcpool

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"

	"github.com/DataDog/zstd"
)

// uiAccount mirrors the chain's account-info wrapper shape. Data is
// encoded either as a two-element [payload, encoding] tuple (base64 /
// base64+zstd) or, in the legacy encoding, as a bare base58 string;
// this module only consumes the encodings spec.md §4.8 names.
type uiAccount struct {
	Data       json.RawMessage `json:"data"`
	Executable bool            `json:"executable"`
	Lamports   uint64          `json:"lamports"`
	Owner      string          `json:"owner"`
	RentEpoch  json.RawMessage `json:"rentEpoch"`
}

type accountWithContext struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value *uiAccount `json:"value"`
}

// decodeUiAccount extracts raw account bytes from the wrapper,
// transparently handling both base64 and base64+zstd encodings (spec.md
// §4.8: "accept base64 and base64+zstd encodings uniformly").
func decodeUiAccount(a *uiAccount) ([]byte, error) {
	if a == nil {
		return nil, nil
	}

	var tuple [2]string
	if err := json.Unmarshal(a.Data, &tuple); err != nil {
		return nil, fmt.Errorf("decoding account data envelope: %w", err)
	}

	raw, err := base64.StdEncoding.DecodeString(tuple[0])
	if err != nil {
		return nil, fmt.Errorf("decoding base64 account payload: %w", err)
	}

	switch tuple[1] {
	case "base64":
		return raw, nil
	case "base64+zstd":
		out, err := zstd.Decompress(nil, raw)
		if err != nil {
			return nil, fmt.Errorf("decompressing zstd account payload: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported account encoding %q", tuple[1])
	}
}

// parseRentEpoch accepts either an integer or a floating-point sentinel
// up to math.MaxUint64, per spec.md §9's open question: "rent_epoch ==
// f64::MAX sentinels varies; the safe choice is lenient parsing
// accepting floating or u64 forms."
func parseRentEpoch(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var asUint uint64
	if err := json.Unmarshal(raw, &asUint); err == nil {
		return asUint, nil
	}
	var asFloat float64
	if err := json.Unmarshal(raw, &asFloat); err != nil {
		return 0, fmt.Errorf("parsing rent epoch: %w", err)
	}
	if asFloat >= math.MaxUint64 {
		return math.MaxUint64, nil
	}
	if asFloat < 0 {
		return 0, nil
	}
	return uint64(asFloat), nil
}

// encodeAccountDataRequest is the encoding parameter chain RPC calls
// expect when requesting an account back from simulate_transaction
// (spec.md §4.7 step 3): base64+zstd, addressed by pubkey.
func encodeAccountDataRequest(addresses []string) map[string]interface{} {
	return map[string]interface{}{
		"encoding":  "base64+zstd",
		"addresses": addresses,
	}
}
