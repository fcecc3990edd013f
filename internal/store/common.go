package store

import (
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/sells-group/bid-intel/internal/model"
)

const staleRunMessage = "run interrupted: process restarted before completion"

func marshalWarnings(warnings []string) ([]byte, error) {
	if warnings == nil {
		warnings = []string{}
	}
	return json.Marshal(warnings)
}

func decodeRunJSON(r *model.AnalysisResult, optsJSON, resultJSON, warningsJSON []byte) error {
	if len(optsJSON) > 0 {
		if err := json.Unmarshal(optsJSON, &r.Options); err != nil {
			return eris.Wrap(err, "unmarshal options")
		}
	}
	if len(resultJSON) > 0 && string(resultJSON) != "null" {
		r.Result = &model.ResultJSON{}
		if err := json.Unmarshal(resultJSON, r.Result); err != nil {
			return eris.Wrap(err, "unmarshal result_json")
		}
	}
	if len(warningsJSON) > 0 {
		if err := json.Unmarshal(warningsJSON, &r.Warnings); err != nil {
			return eris.Wrap(err, "unmarshal warnings")
		}
	}
	return nil
}
