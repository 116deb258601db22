package requests

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/beer-garden/beer-garden/errors"
	"github.com/beer-garden/beer-garden/model"
)

// interpolationPattern matches ${name} slots in dynamic choice sources.
var interpolationPattern = regexp.MustCompile(`\$\{(\w+)\}`)

// ChoicesRequest asks for the allowed values of one parameter given the
// current values of its siblings.
type ChoicesRequest struct {
	Namespace     string         `json:"namespace"`
	System        string         `json:"system"`
	SystemVersion string         `json:"system_version"`
	Command       string         `json:"command"`
	Parameter     string         `json:"parameter"`
	CurrentValues map[string]any `json:"current_values,omitempty"`
}

// EvaluateChoices resolves a parameter's allowed values server-side:
// static lists are returned as-is, URL sources are fetched and parsed as a
// JSON array, command sources run through the processor, and static maps
// are indexed by the keying sibling's current value. Unresolved
// interpolation slots yield an empty list rather than an error.
func (p *Processor) EvaluateChoices(ctx context.Context, req ChoicesRequest) ([]any, error) {
	system, err := p.repo.Systems().GetByTuple(ctx, req.Namespace, req.System, req.SystemVersion)
	if err != nil {
		return nil, err
	}
	command := system.Command(req.Command)
	if command == nil {
		return nil, errors.WrapNotFound(errors.ErrUnknownCommand, "Processor", "EvaluateChoices", req.Command)
	}
	param := command.Parameter(req.Parameter)
	if param == nil || param.Choices == nil {
		return nil, errors.WrapNotFound(errors.ErrNotFound, "Processor", "EvaluateChoices",
			fmt.Sprintf("parameter %s has no choices", req.Parameter))
	}

	switch param.Choices.Type {
	case model.ChoicesStatic:
		return p.staticChoices(param.Choices, req.CurrentValues)
	case model.ChoicesURL:
		return p.urlChoices(ctx, param.Choices, req.CurrentValues)
	case model.ChoicesCommand:
		return p.commandChoices(ctx, req, param.Choices)
	default:
		return nil, errors.WrapValidation(
			fmt.Errorf("unknown choices type %q", param.Choices.Type),
			"Processor", "EvaluateChoices", "dispatch choices source")
	}
}

// staticChoices handles plain lists and maps keyed by a sibling
// parameter's current value.
func (p *Processor) staticChoices(choices *model.Choices, current map[string]any) ([]any, error) {
	switch v := choices.Value.(type) {
	case []any:
		return v, nil
	case map[string]any:
		keyRef, _ := choices.Details["key_reference"].(string)
		if keyRef == "" {
			return nil, errors.WrapValidation(
				fmt.Errorf("static map choices require a key_reference"),
				"Processor", "staticChoices", "resolve key reference")
		}
		keyValue, ok := current[keyRef].(string)
		if !ok {
			return []any{}, nil
		}
		entry, ok := v[keyValue]
		if !ok {
			return []any{}, nil
		}
		if list, ok := entry.([]any); ok {
			return list, nil
		}
		return []any{entry}, nil
	default:
		return nil, errors.WrapValidation(
			fmt.Errorf("unsupported static choices value %T", choices.Value),
			"Processor", "staticChoices", "inspect value")
	}
}

// urlChoices fetches a JSON array from the configured URL after
// interpolation.
func (p *Processor) urlChoices(ctx context.Context, choices *model.Choices, current map[string]any) ([]any, error) {
	rawURL, ok := choices.Value.(string)
	if !ok {
		return nil, errors.WrapValidation(
			fmt.Errorf("url choices require a string value"),
			"Processor", "urlChoices", "inspect value")
	}

	url, resolved := interpolate(rawURL, current)
	if !resolved {
		return []any{}, nil
	}

	httpCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	httpReq, err := http.NewRequestWithContext(httpCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.WrapValidation(err, "Processor", "urlChoices", "build request")
	}
	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, errors.WrapTransient(err, "Processor", "urlChoices", "fetch choices")
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.WrapTransient(err, "Processor", "urlChoices", "read body")
	}

	var list []any
	if err := json.Unmarshal(body, &list); err != nil {
		return nil, errors.WrapValidation(err, "Processor", "urlChoices", "parse choices JSON")
	}
	return list, nil
}

// commandChoices runs a command on another system and parses its output as
// the choice list. Arguments referencing ${name} slots are interpolated
// from the caller's current values; kwarg parameters on the source command
// are forwarded by name.
func (p *Processor) commandChoices(ctx context.Context, req ChoicesRequest, choices *model.Choices) ([]any, error) {
	spec, ok := choices.Value.(string)
	if !ok {
		return nil, errors.WrapValidation(
			fmt.Errorf("command choices require a string value"),
			"Processor", "commandChoices", "inspect value")
	}

	// Value shape: "command_name" or "command_name(${param})" on the
	// system named in the details, defaulting to the caller's system.
	name := spec
	params := make(map[string]any)
	if open := strings.Index(spec, "("); open > 0 && strings.HasSuffix(spec, ")") {
		name = spec[:open]
		argSpec := spec[open+1 : len(spec)-1]
		for _, arg := range strings.Split(argSpec, ",") {
			arg = strings.TrimSpace(arg)
			if arg == "" {
				continue
			}
			key, value, found := strings.Cut(arg, "=")
			if !found {
				value = key
			}
			interpolated, resolved := interpolate(value, req.CurrentValues)
			if !resolved {
				return []any{}, nil
			}
			params[strings.TrimSpace(key)] = strings.Trim(interpolated, `"'`)
		}
	}

	targetSystem, _ := choices.Details["system"].(string)
	if targetSystem == "" {
		targetSystem = req.System
	}
	targetVersion, _ := choices.Details["version"].(string)
	if targetVersion == "" {
		targetVersion = req.SystemVersion
	}

	child := &model.Request{
		Namespace:     req.Namespace,
		System:        targetSystem,
		SystemVersion: targetVersion,
		Command:       name,
		Parameters:    params,
		Hidden:        true,
	}
	result, err := p.ProcessRequest(ctx, child, 15*time.Second)
	if err != nil {
		return nil, err
	}
	if result.Status != model.RequestSuccess {
		return nil, errors.WrapTransient(
			fmt.Errorf("choices command finished %s", result.Status),
			"Processor", "commandChoices", "await choices command")
	}

	var list []any
	if err := json.Unmarshal([]byte(result.Output), &list); err != nil {
		return nil, errors.WrapValidation(err, "Processor", "commandChoices", "parse command output")
	}
	return list, nil
}

// interpolate replaces ${name} slots from current values. Returns false
// when any slot is unresolved.
func interpolate(template string, current map[string]any) (string, bool) {
	resolved := true
	out := interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		key := interpolationPattern.FindStringSubmatch(match)[1]
		value, ok := current[key]
		if !ok || value == nil {
			resolved = false
			return ""
		}
		return fmt.Sprintf("%v", value)
	})
	return out, resolved
}
