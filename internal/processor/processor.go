// Package processor translates the raw reports of status sources into
// ProbeResults. It is the only place that knows the field names gateways and
// order services use.
package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/yourorg/momo-confirm/internal/adapter"
	"github.com/yourorg/momo-confirm/internal/confirmation"
	"github.com/yourorg/momo-confirm/internal/policy"
)

var (
	codeFields   = []string{"ResultCode", "resultCode", "result_code", "code"}
	descFields   = []string{"ResultDesc", "resultDesc", "result_desc", "ResultDescription", "description", "message"}
	statusFields = []string{"status", "order_status", "orderStatus"}
	nestedFields = []string{"data", "Body", "order"}
)

// Normalizer wraps StatusSource calls and turns their reports into
// confirmation.ProbeResult values using an OutcomePolicy.
type Normalizer struct {
	policy *policy.OutcomePolicy
}

// NewNormalizer creates a Normalizer. It panics when p is nil.
func NewNormalizer(p *policy.OutcomePolicy) *Normalizer {
	if p == nil {
		panic("outcome policy cannot be nil")
	}
	return &Normalizer{policy: p}
}

// Process queries src and translates the report. A non-nil error means the
// query did not complete and the returned result must not be applied.
func (n *Normalizer) Process(ctx context.Context, src adapter.StatusSource, q adapter.Query) (confirmation.ProbeResult, error) {
	if src == nil {
		return confirmation.ProbeResult{Outcome: confirmation.OutcomePending}, fmt.Errorf("processor: status source cannot be nil")
	}
	report, err := src.Query(ctx, q)
	if err != nil {
		return confirmation.ProbeResult{Outcome: confirmation.OutcomePending, Source: src.GetName()},
			fmt.Errorf("processor: source %s failed to answer: %w", src.GetName(), err)
	}
	if report.Source == "" {
		report.Source = src.GetName()
	}
	return n.Translate(report), nil
}

// Translate classifies a completed report. Reports whose source is unknown,
// or whose fields the policy cannot evaluate, read as pending.
func (n *Normalizer) Translate(report adapter.StatusReport) confirmation.ProbeResult {
	res := confirmation.ProbeResult{
		Outcome: confirmation.OutcomePending,
		Source:  report.Source,
		Raw:     rawStruct(report),
	}

	var params map[string]interface{}
	var desc string
	switch report.Source {
	case adapter.SourceGateway:
		desc = lookup(report.Fields, descFields)
		params = map[string]interface{}{
			policy.ParamCode:        lookup(report.Fields, codeFields),
			policy.ParamDescription: desc,
		}
	case adapter.SourceOrder:
		params = map[string]interface{}{
			policy.ParamStatus: strings.ToLower(lookup(report.Fields, statusFields)),
		}
	default:
		return res
	}

	decision, err := n.policy.Evaluate(report.Source, params)
	if err != nil {
		return res
	}
	res.Outcome = decision.Outcome
	if decision.Outcome == confirmation.OutcomeFailed {
		res.Message = desc
	}
	return res
}

// lookup returns the first non-empty value found under names, first at the
// top level and then inside the known wrapper objects.
func lookup(fields map[string]interface{}, names []string) string {
	if v, ok := first(fields, names); ok {
		return v
	}
	for _, wrapper := range nestedFields {
		nested, ok := fields[wrapper].(map[string]interface{})
		if !ok {
			continue
		}
		if v, ok := first(nested, names); ok {
			return v
		}
	}
	return ""
}

func first(fields map[string]interface{}, names []string) (string, bool) {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || raw == nil {
			continue
		}
		if s := stringify(raw); s != "" {
			return s, true
		}
	}
	return "", false
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// rawStruct keeps the response body as an opaque structpb payload. Bodies
// that are not JSON objects yield nil.
func rawStruct(report adapter.StatusReport) *structpb.Struct {
	if len(report.RawResponse) == 0 {
		return nil
	}
	s := &structpb.Struct{}
	if err := protojson.Unmarshal(report.RawResponse, s); err != nil {
		return nil
	}
	return s
}
