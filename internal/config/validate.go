// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of cc-backend.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Validate compiles schema and checks instance against it, returning the
// first validation error instead of aborting the process: a rejected
// evaluation config must not take an already-running daemon down with it
// (spec.md §7 "Build-time validation failures reject the whole config").
func Validate(schema string, instance []byte) error {
	sch, err := jsonschema.CompileString("schema.json", schema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	var v any
	if err := json.Unmarshal(instance, &v); err != nil {
		return fmt.Errorf("parse instance: %w", err)
	}

	if err := sch.Validate(v); err != nil {
		return fmt.Errorf("validate instance: %w", err)
	}
	return nil
}

// ValidateEvaluationConfig checks raw ConfigDoc bytes against
// evaluationConfigSchema before they reach the engine builder.
func ValidateEvaluationConfig(raw []byte) error {
	return Validate(evaluationConfigSchema, raw)
}
