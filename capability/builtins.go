package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"

	"github.com/BaSui01/agentrun/session"
)

// Builtins returns the built-in capability set. Implementations are
// deterministic and in-process: the contract treats each node as a black-box
// function, and real integrations are swapped in behind the same names.
func Builtins() []Capability {
	return []Capability{
		&webSearch{},
		&flightSearch{},
		&hotelSearch{},
		&costAnalysis{},
		&preferenceMatcher{},
		&userQuery{},
		&permissionEcho{},
		&flightBooking{},
		&paymentProcessing{},
		&dataFormatter{},
		&resultSummarizer{},
	}
}

// stableRef derives an idempotent reference code from the prepared inputs,
// so a retried Run produces the same confirmation it produced the first time.
func stableRef(prefix string, parts ...string) string {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%s-%08x", prefix, h.Sum32())
}

// ---------------------------------------------------------------------------
// search
// ---------------------------------------------------------------------------

type webSearch struct{}

func (*webSearch) Name() string { return "web_search" }

func (*webSearch) Prepare(_ context.Context, in Inputs) (any, error) {
	query := in.String("query")
	if query == "" {
		return nil, InvalidInput("web_search requires a non-empty query")
	}
	return query, nil
}

func (*webSearch) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	query := prepared.(string)
	return []map[string]any{
		{"title": "Results for " + query, "snippet": "Aggregated findings for " + query, "rank": 1},
		{"title": "Background on " + query, "snippet": "Context and recent coverage", "rank": 2},
	}, nil
}

func (*webSearch) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("search_results", result)
	return "", nil
}

type flightSearch struct{}

func (*flightSearch) Name() string { return "flight_search" }

type flightQuery struct {
	Origin      string
	Destination string
	Date        string
	Preferences string
}

func (*flightSearch) Prepare(_ context.Context, in Inputs) (any, error) {
	q := flightQuery{
		Origin:      in.String("origin"),
		Destination: in.String("destination"),
		Date:        in.String("date"),
		Preferences: in.String("preferences"),
	}
	if q.Origin == "" || q.Destination == "" {
		return nil, InvalidInput("flight_search requires origin and destination")
	}
	return q, nil
}

func (*flightSearch) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := prepared.(flightQuery)
	route := q.Origin + "-" + q.Destination
	return []map[string]any{
		{"flight": stableRef("FL", route, "a"), "airline": "Pacific Air", "price": 850.0, "departure": "14:20", "route": route},
		{"flight": stableRef("FL", route, "b"), "airline": "TransOcean", "price": 720.0, "departure": "16:45", "route": route},
		{"flight": stableRef("FL", route, "c"), "airline": "SkyBridge", "price": 1120.0, "departure": "09:10", "route": route},
	}, nil
}

func (*flightSearch) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("flight_options", result)
	return "", nil
}

type hotelSearch struct{}

func (*hotelSearch) Name() string { return "hotel_search" }

func (*hotelSearch) Prepare(_ context.Context, in Inputs) (any, error) {
	location := in.String("location")
	if location == "" {
		return nil, InvalidInput("hotel_search requires a location")
	}
	return location, nil
}

func (*hotelSearch) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	location := prepared.(string)
	return []map[string]any{
		{"hotel": "Central " + location, "price_per_night": 140.0, "rating": 4.4},
		{"hotel": location + " Garden Inn", "price_per_night": 95.0, "rating": 4.1},
	}, nil
}

func (*hotelSearch) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("hotel_options", result)
	return "", nil
}

// ---------------------------------------------------------------------------
// analysis
// ---------------------------------------------------------------------------

type costAnalysis struct{}

func (*costAnalysis) Name() string { return "cost_analysis" }

func (*costAnalysis) Prepare(_ context.Context, in Inputs) (any, error) {
	options, ok := in["flight_options"].([]map[string]any)
	if !ok {
		// options travelling through JSON arrive as []any
		raw, rawOK := in["flight_options"].([]any)
		if !rawOK {
			return nil, InvalidInput("cost_analysis requires flight_options")
		}
		for _, item := range raw {
			if m, mOK := item.(map[string]any); mOK {
				options = append(options, m)
			}
		}
	}
	if len(options) == 0 {
		return nil, InvalidInput("cost_analysis received no options")
	}
	return options, nil
}

func (*costAnalysis) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	options := prepared.([]map[string]any)
	min, max, sum := 0.0, 0.0, 0.0
	var cheapest map[string]any
	for i, opt := range options {
		price, _ := opt["price"].(float64)
		if i == 0 || price < min {
			min, cheapest = price, opt
		}
		if price > max {
			max = price
		}
		sum += price
	}
	return map[string]any{
		"min_price":    min,
		"max_price":    max,
		"avg_price":    sum / float64(len(options)),
		"option_count": len(options),
		"best_value":   cheapest,
	}, nil
}

func (*costAnalysis) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("cost_report", result)
	return "", nil
}

type preferenceMatcher struct{}

func (*preferenceMatcher) Name() string { return "preference_matcher" }

type matchInput struct {
	options     []map[string]any
	preferences string
}

func (*preferenceMatcher) Prepare(_ context.Context, in Inputs) (any, error) {
	var options []map[string]any
	switch v := in["flight_options"].(type) {
	case []map[string]any:
		options = v
	case []any:
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				options = append(options, m)
			}
		}
	}
	if len(options) == 0 {
		return nil, InvalidInput("preference_matcher requires flight_options")
	}
	prefs := in.String("preferences")
	if prefs == "" {
		prefs = in.String("user_response")
	}
	return matchInput{options: options, preferences: strings.ToLower(prefs)}, nil
}

func (*preferenceMatcher) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m := prepared.(matchInput)

	scored := append([]map[string]any(nil), m.options...)
	valueFocused := strings.Contains(m.preferences, "value") ||
		strings.Contains(m.preferences, "cheap") ||
		strings.Contains(m.preferences, "budget")
	afternoon := strings.Contains(m.preferences, "afternoon")

	sort.SliceStable(scored, func(i, j int) bool {
		pi, _ := scored[i]["price"].(float64)
		pj, _ := scored[j]["price"].(float64)
		if valueFocused && pi != pj {
			return pi < pj
		}
		if afternoon {
			di, _ := scored[i]["departure"].(string)
			dj, _ := scored[j]["departure"].(string)
			return afternoonRank(di) < afternoonRank(dj)
		}
		return pi < pj
	})
	return scored[0], nil
}

// afternoonRank orders departures by distance from the 12:00–18:00 window.
func afternoonRank(departure string) int {
	if len(departure) < 2 {
		return 99
	}
	hour := 0
	fmt.Sscanf(departure, "%d", &hour)
	switch {
	case hour >= 12 && hour < 18:
		return 0
	case hour >= 18:
		return hour - 17
	default:
		return 12 - hour
	}
}

func (*preferenceMatcher) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("matched_option", result)
	return "", nil
}

// ---------------------------------------------------------------------------
// communication
// ---------------------------------------------------------------------------

// userQuery suspends the workflow until the user replies.
type userQuery struct{}

func (*userQuery) Name() string { return "user_query" }

func (*userQuery) Prepare(_ context.Context, in Inputs) (any, error) {
	question := in.String("question")
	if question == "" {
		question = in.String("description")
	}
	if question == "" {
		return nil, InvalidInput("user_query has no meaningful question")
	}
	return question, nil
}

// Run is never reached for interactive capabilities; the executor routes
// through Question/Absorb instead.
func (*userQuery) Run(_ context.Context, prepared any) (any, error) {
	return prepared, nil
}

func (*userQuery) Question(prepared any) (string, []string) {
	return prepared.(string), nil
}

func (*userQuery) Absorb(answer json.RawMessage) (any, error) {
	var text string
	if err := json.Unmarshal(answer, &text); err == nil {
		return text, nil
	}
	var structured map[string]any
	if err := json.Unmarshal(answer, &structured); err == nil {
		return structured, nil
	}
	return string(answer), nil
}

func (*userQuery) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("user_response", result)
	return "", nil
}

// permissionEcho backs the explicit permission_request node. The executor
// gates it through the permission manager before Run; by the time Commit
// executes, the grant has already happened.
type permissionEcho struct{}

func (*permissionEcho) Name() string { return "permission_request" }

func (*permissionEcho) Prepare(_ context.Context, in Inputs) (any, error) {
	operation := in.String("operation")
	if operation == "" {
		return nil, InvalidInput("permission_request requires an operation")
	}
	return map[string]any{"operation": operation, "details": in["details"]}, nil
}

func (*permissionEcho) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return prepared, nil
}

func (*permissionEcho) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("permission_granted", true)
	return "", nil
}

// ---------------------------------------------------------------------------
// booking / payment
// ---------------------------------------------------------------------------

type flightBooking struct{}

func (*flightBooking) Name() string { return "flight_booking" }

func (*flightBooking) Prepare(_ context.Context, in Inputs) (any, error) {
	option, ok := in["matched_option"].(map[string]any)
	if !ok {
		option, ok = in["flight_option"].(map[string]any)
	}
	if !ok {
		return nil, InvalidInput("flight_booking requires a selected flight option")
	}
	return option, nil
}

func (*flightBooking) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	option := prepared.(map[string]any)
	flight, _ := option["flight"].(string)
	return map[string]any{
		"reference": stableRef("BK", flight),
		"status":    "confirmed",
		"flight":    option,
	}, nil
}

func (*flightBooking) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("booking_confirmation", result)
	return "", nil
}

type paymentProcessing struct{}

func (*paymentProcessing) Name() string { return "payment_processing" }

type paymentInput struct {
	amount      float64
	method      string
	description string
}

func (*paymentProcessing) Prepare(_ context.Context, in Inputs) (any, error) {
	amount, ok := in.Float("amount")
	if !ok {
		// fall back to the booked option's price
		if option, optOK := in["matched_option"].(map[string]any); optOK {
			amount, ok = option["price"].(float64), true
		}
	}
	if !ok || amount <= 0 {
		return nil, InvalidInput("payment_processing requires a positive amount")
	}
	method := in.String("payment_method")
	if method == "" {
		method = "credit_card"
	}
	return paymentInput{amount: amount, method: method, description: in.String("description")}, nil
}

func (*paymentProcessing) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := prepared.(paymentInput)
	return map[string]any{
		"transaction_id": stableRef("TX", fmt.Sprintf("%.2f", p.amount), p.method, p.description),
		"amount":         p.amount,
		"method":         p.method,
		"status":         "settled",
	}, nil
}

func (*paymentProcessing) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("payment_confirmation", result)
	return "", nil
}

// ---------------------------------------------------------------------------
// transformation / analysis
// ---------------------------------------------------------------------------

type dataFormatter struct{}

func (*dataFormatter) Name() string { return "data_formatter" }

func (*dataFormatter) Prepare(_ context.Context, in Inputs) (any, error) {
	raw, ok := in["raw_data"]
	if !ok {
		return nil, InvalidInput("data_formatter requires raw_data")
	}
	return map[string]any{"data": raw, "format": in.String("format_type")}, nil
}

func (*dataFormatter) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := prepared.(map[string]any)
	data, err := json.MarshalIndent(p["data"], "", "  ")
	if err != nil {
		return nil, Permanent("raw_data is not serializable")
	}
	if p["format"] == "comparison_table" {
		return "| option | details |\n|---|---|\n| data | " + string(data) + " |", nil
	}
	return string(data), nil
}

func (*dataFormatter) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("formatted_data", result)
	return "", nil
}

type resultSummarizer struct{}

func (*resultSummarizer) Name() string { return "result_summarizer" }

func (*resultSummarizer) Prepare(_ context.Context, in Inputs) (any, error) {
	results, ok := in["results"]
	if !ok {
		return nil, InvalidInput("result_summarizer requires results")
	}
	return map[string]any{"results": results, "question": in.String("user_question")}, nil
}

func (*resultSummarizer) Run(ctx context.Context, prepared any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p := prepared.(map[string]any)
	data, _ := json.Marshal(p["results"])
	summary := fmt.Sprintf("Summary for %q: %s", p["question"], truncate(string(data), 400))
	return summary, nil
}

func (*resultSummarizer) Commit(_ context.Context, pad *session.Scratchpad, _, result any) (string, error) {
	pad.Set("summary", result)
	return "", nil
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
