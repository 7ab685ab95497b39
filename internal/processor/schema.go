package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/vidforge/vidforge/internal/session"
)

// ErrInvalidSubmission indicates a raw submission rejected by the schema.
var ErrInvalidSubmission = errors.New("invalid job submission")

// submissionSchema validates raw job submissions before decoding. The bounds
// mirror JobRequest.Validate so schema rejections and struct rejections never
// disagree.
const submissionSchema = `{
	"type": "object",
	"required": ["prompt", "duration_seconds", "quality"],
	"additionalProperties": false,
	"properties": {
		"prompt": {"type": "string", "minLength": 1},
		"duration_seconds": {"type": "integer", "minimum": 10, "maximum": 600},
		"quality": {"enum": ["low", "medium", "high", "ultra"]},
		"style": {"type": "string"},
		"voice": {"type": "string"},
		"priority": {"enum": ["urgent", "high", "normal", "low"]},
		"user_id": {"type": "string"}
	}
}`

var compiledSubmissionSchema = gojsonschema.NewStringLoader(submissionSchema)

// Submission is the decoded form of a raw job submission.
type Submission struct {
	session.JobRequest

	Priority string `json:"priority,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// DecodeSubmission validates raw JSON against the submission schema and
// decodes it. Schema violations are joined into one ErrInvalidSubmission.
func DecodeSubmission(data []byte) (Submission, error) {
	result, err := gojsonschema.Validate(compiledSubmissionSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %s", ErrInvalidSubmission, err)
	}

	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}

		return Submission{}, fmt.Errorf("%w: %s", ErrInvalidSubmission, strings.Join(reasons, "; "))
	}

	var sub Submission

	err = json.Unmarshal(data, &sub)
	if err != nil {
		return Submission{}, fmt.Errorf("%w: %s", ErrInvalidSubmission, err)
	}

	return sub, nil
}
