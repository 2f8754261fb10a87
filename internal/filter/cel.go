// Package filter compiles CEL admission expressions that decide which
// events are ingested.
//
// Expressions see a single variable, event, with the fields
//
//	event.uid, event.name, event.namespace, event.reason, event.type,
//	event.message, event.involvedKind, event.involvedName,
//	event.reportingComponent, event.sourceHost, event.count,
//	event.firstTimestamp, event.lastTimestamp
//
// Example: event.type == "Warning" && !event.namespace.startsWith("kube-")
package filter

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"golang.org/x/time/rate"
	expr "google.golang.org/genproto/googleapis/api/expr/v1alpha1"
	"k8s.io/klog/v2"

	"go.miloapis.com/eventhistory/internal/events"
)

const eventVariable = "event"

// eventFields are the fields an expression may select from event.
var eventFields = map[string]bool{
	"uid":                true,
	"name":               true,
	"namespace":          true,
	"reason":             true,
	"type":               true,
	"message":            true,
	"involvedKind":       true,
	"involvedName":       true,
	"reportingComponent": true,
	"sourceHost":         true,
	"count":              true,
	"firstTimestamp":     true,
	"lastTimestamp":      true,
}

// Environment creates the CEL environment admission filters are compiled in.
func Environment() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable(eventVariable, cel.MapType(cel.StringType, cel.DynType)),
	)
}

// Filter is a compiled admission expression. A nil *Filter admits everything.
type Filter struct {
	expression string
	program    cel.Program
	errLog     *rate.Sometimes
}

// Compile compiles and validates expression. An empty expression yields a
// nil filter.
func Compile(expression string) (*Filter, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, nil
	}

	env, err := Environment()
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%s", formatFilterError(issues.Err()))
	}

	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%s", formatFilterError(
			fmt.Errorf("filter expression must return a boolean, got %v", ast.OutputType())))
	}

	if err := validateFieldAccess(ast.Expr()); err != nil {
		return nil, fmt.Errorf("%s", formatFilterError(err))
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return &Filter{
		expression: expression,
		program:    program,
		errLog:     &rate.Sometimes{Interval: 30 * time.Second},
	}, nil
}

// String returns the source expression.
func (f *Filter) String() string {
	if f == nil {
		return ""
	}
	return f.expression
}

// Evaluate reports whether ev matches the expression.
func (f *Filter) Evaluate(ev *events.ClusterEvent) (bool, error) {
	if f == nil || f.program == nil {
		return true, nil
	}

	result, _, err := f.program.Eval(map[string]interface{}{
		eventVariable: EventToMap(ev),
	})
	if err != nil {
		return false, fmt.Errorf("CEL evaluation error: %w", err)
	}

	matched, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL result is not a boolean: %T", result.Value())
	}
	return matched, nil
}

// Admit is Evaluate for the watch path. Evaluation errors admit the event so
// a bad expression cannot silently discard history.
func (f *Filter) Admit(ev *events.ClusterEvent) bool {
	matched, err := f.Evaluate(ev)
	if err != nil {
		f.errLog.Do(func() {
			klog.ErrorS(err, "Event filter evaluation failed, admitting event",
				"filter", f.expression,
				"namespace", ev.Namespace,
				"uid", ev.UID,
			)
		})
		return true
	}
	return matched
}

// EventToMap converts ev to the map bound to the event variable.
func EventToMap(ev *events.ClusterEvent) map[string]interface{} {
	return map[string]interface{}{
		"uid":                ev.UID,
		"name":               ev.Name,
		"namespace":          ev.Namespace,
		"reason":             ev.Reason,
		"type":               ev.Type,
		"message":            ev.Message,
		"involvedKind":       ev.InvolvedKind,
		"involvedName":       ev.InvolvedName,
		"reportingComponent": ev.ReportingComponent,
		"sourceHost":         ev.SourceHost,
		"count":              int64(ev.Count),
		"firstTimestamp":     ev.FirstTimestamp,
		"lastTimestamp":      ev.LastTimestamp,
	}
}

// validateFieldAccess rejects selections of unknown event fields.
func validateFieldAccess(e *expr.Expr) error {
	if e == nil {
		return nil
	}

	switch exprKind := e.ExprKind.(type) {
	case *expr.Expr_SelectExpr:
		sel := exprKind.SelectExpr
		if ident := sel.GetOperand().GetIdentExpr(); ident != nil && ident.GetName() == eventVariable {
			if !eventFields[sel.GetField()] {
				return fmt.Errorf("field '%s.%s' is not available for filtering", eventVariable, sel.GetField())
			}
		}
		return validateFieldAccess(sel.GetOperand())

	case *expr.Expr_CallExpr:
		call := exprKind.CallExpr
		if err := validateFieldAccess(call.Target); err != nil {
			return err
		}
		for _, arg := range call.Args {
			if err := validateFieldAccess(arg); err != nil {
				return err
			}
		}

	case *expr.Expr_ListExpr:
		for _, elem := range exprKind.ListExpr.Elements {
			if err := validateFieldAccess(elem); err != nil {
				return err
			}
		}

	case *expr.Expr_ComprehensionExpr:
		comp := exprKind.ComprehensionExpr
		for _, sub := range []*expr.Expr{comp.IterRange, comp.AccuInit, comp.LoopCondition, comp.LoopStep, comp.Result} {
			if err := validateFieldAccess(sub); err != nil {
				return err
			}
		}
	}

	return nil
}

func availableFields() string {
	fields := make([]string, 0, len(eventFields))
	for f := range eventFields {
		fields = append(fields, eventVariable+"."+f)
	}
	sort.Strings(fields)
	return strings.Join(fields, ", ")
}
