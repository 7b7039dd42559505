// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectMode(t *testing.T) {
	var buf bytes.Buffer
	assert.Equal(t, ModePlain, DetectMode(&buf), "non-file writers are plain")

	t.Setenv("NO_COLOR", "1")
	assert.Equal(t, ModePlain, DetectMode(&buf))
}

func TestPrinter_Plain(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, ModePlain)

	p.Title("ignored")
	p.Success("seeded %s", "n1")
	p.Field("records", 3)
	p.Row("n2", "2", "sealed")
	p.Box("state", "hello")
	p.Warning("journal %s", "degraded")
	p.Error(errors.New("boom"))

	assert.Equal(t, "OK\tseeded n1\nrecords\t3\nn2\t2\tsealed\nhello\n", out.String())
	assert.Equal(t, "WARN\tjournal degraded\nERROR\tboom\n", errOut.String())
	assert.Equal(t, "x", p.Muted("x"))
}

func TestPrinter_Rich(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewPrinter(&out, &errOut, ModeRich)

	p.Title("Tapestry")
	p.Success("done")
	p.Box("state", "hello")
	p.Error(errors.New("boom"))

	assert.Contains(t, out.String(), "Tapestry")
	assert.Contains(t, out.String(), string(IconSuccess))
	assert.Contains(t, out.String(), "hello")
	assert.Contains(t, errOut.String(), "boom")
	assert.Equal(t, ModeRich, p.Mode())
}

func TestIcon_Render(t *testing.T) {
	for _, icon := range []Icon{IconSuccess, IconWarning, IconError, IconArrow, IconBullet} {
		assert.Contains(t, icon.Render(), string(icon))
	}
}
