package timing

import (
	"encoding/json"

	"github.com/aiperf-run/aiperf/internal/types"
)

func marshalCredit(c types.Credit) ([]byte, error) {
	return json.Marshal(c)
}
