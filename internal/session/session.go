// Package session holds the per-connection state a coordinator reads from
// and reports errors into.
package session

import (
	"sync"

	"qcoord/internal/domain"
)

// Variables are the session variables that influence scheduling.
type Variables struct {
	QueryTimeoutS                   int    `json:"query_timeout"`
	EnablePhasedScheduler           bool   `json:"enable_phased_scheduler"`
	PhasedSchedulerMaxConcurrency   int    `json:"phased_scheduler_max_concurrency"`
	EnableProfile                   bool   `json:"enable_profile"`
	ProfileTimeoutS                 int    `json:"profile_timeout"`
	EnableAsyncProfile              bool   `json:"enable_async_profile"`
	EnableLoadProfile               bool   `json:"enable_load_profile"`
	EnableIncrementalScanRanges     bool   `json:"enable_connector_incremental_scan_ranges"`
	EnableShortCircuit              bool   `json:"enable_short_circuit"`
	EnableQueryQueue                bool   `json:"enable_query_queue"`
	PipelineDOP                     int    `json:"pipeline_dop"`
	GlobalRuntimeFilterBuildMaxSize int64  `json:"global_runtime_filter_build_max_size"`
	WarehouseName                   string `json:"warehouse"`
}

// DefaultVariables returns the defaults a fresh connection starts with.
func DefaultVariables() Variables {
	return Variables{
		QueryTimeoutS:                   300,
		PhasedSchedulerMaxConcurrency:   2,
		ProfileTimeoutS:                 2,
		EnableAsyncProfile:              true,
		GlobalRuntimeFilterBuildMaxSize: 64 << 20,
		WarehouseName:                   "default_warehouse",
	}
}

// Context is the connection a query runs on. The coordinator records the
// first cancellation cause and error code here.
type Context struct {
	User    string
	QueryID domain.UniqueID
	vars    Variables
	mu      sync.Mutex
	errMsg  string
	errCode string
}

// New returns a Context for user with vars.
func New(user string, vars Variables) *Context {
	return &Context{User: user, vars: vars}
}

// Variables returns a copy of the session variables.
func (c *Context) Variables() Variables {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vars
}

// SetVariables replaces the session variables.
func (c *Context) SetVariables(v Variables) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vars = v
}

// IsProfileEnabled reports whether the user asked for a query profile.
func (c *Context) IsProfileEnabled() bool {
	return c.Variables().EnableProfile
}

// SetError records msg as the statement error.
func (c *Context) SetError(msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errMsg = msg
}

// ErrorMessage returns the recorded statement error, if any.
func (c *Context) ErrorMessage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errMsg
}

// SetErrorCodeOnce records code unless one was already recorded.
func (c *Context) SetErrorCodeOnce(code string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errCode == "" {
		c.errCode = code
	}
}

// ErrorCode returns the first recorded error code.
func (c *Context) ErrorCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCode
}
