package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestration service metrics for production monitoring
var (
	// Run metrics
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_runs_total",
			Help: "Total number of diagnostic runs by terminal state",
		},
		[]string{"path", "status"}, // path: pipeline/general
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flightlog_ai_run_duration_seconds",
			Help:    "Diagnostic run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17min
		},
		[]string{"path"},
	)

	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flightlog_ai_stage_duration_seconds",
			Help:    "Duration of a single orchestration stage in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		},
		[]string{"stage"},
	)

	ExpertsConsulted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_experts_consulted_total",
			Help: "Specialist consultations by identity and origin",
		},
		[]string{"expert", "origin"}, // origin: planner/integration
	)

	IntegrationRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flightlog_ai_integration_rounds",
			Help:    "Number of integration rounds per run",
			Buckets: prometheus.LinearBuckets(1, 1, 6),
		},
	)

	IntegrationLoopBound = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "flightlog_ai_integration_loop_bound_total",
			Help: "Runs whose integration loop stopped at the round cap",
		},
	)

	MalformedResponses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_malformed_responses_total",
			Help: "Reasoning responses that could not be parsed as JSON",
		},
		[]string{"agent"},
	)

	ExtractionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_extractions_total",
			Help: "Telemetry window extractions by outcome",
		},
		[]string{"mode", "status"}, // mode: window/whole_log; status: ok/not_found/out_of_range/error
	)

	ExtractionSamples = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flightlog_ai_extraction_samples",
			Help:    "Samples returned by an extraction after downsampling",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	MemoryAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_memory_appends_total",
			Help: "Chat history appends by outcome",
		},
		[]string{"status"}, // ok/skipped/error
	)

	// LLM metrics
	LLMRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_llm_requests_total",
			Help: "Total number of LLM API requests",
		},
		[]string{"provider", "model", "status"},
	)

	LLMTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_llm_tokens_total",
			Help: "Total number of LLM tokens consumed",
		},
		[]string{"provider", "model", "type"}, // type: input/output
	)

	LLMCostUSD = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_llm_cost_usd_total",
			Help: "Total LLM cost in USD",
		},
		[]string{"provider", "model"},
	)

	LLMRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flightlog_ai_llm_request_duration_seconds",
			Help:    "LLM request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"provider", "model"},
	)

	LLMTruncations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_prompt_truncations_total",
			Help: "Prompt fragments cut to fit the token budget",
		},
		[]string{"fragment"},
	)

	// Budget metrics
	BudgetUsageUSD = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flightlog_ai_budget_usage_usd",
			Help: "Current budget usage in USD",
		},
		[]string{"user_id", "month"},
	)

	BudgetExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_budget_exceeded_total",
			Help: "Requests rejected because a budget limit was reached",
		},
		[]string{"user_id"},
	)

	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flightlog_ai_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flightlog_ai_rate_limited_total",
			Help: "Requests rejected or delayed by a rate limiter",
		},
		[]string{"limiter"}, // http/llm
	)
)
