// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at NeuraScale (https://neurascale.io/).
// Copyright 2024-present NeuraScale, Inc.

// Package setup builds the seelog backend from the engine configuration.
package setup

import (
	"fmt"
	"strings"

	"github.com/cihub/seelog"

	"github.com/neurascale/neural-engine/pkg/util/log"
)

const seelogConfigTemplate = `
<seelog minlevel="%[1]s">
	<outputs formatid="common">%[2]s
		<console />
	</outputs>
	<formats>
		<format id="common" format="%%Date(2006-01-02 15:04:05 MST) | ENGINE | %%LEVEL | (%%ShortFilePath:%%Line in %%FuncShort) | %%Msg%%n" />
	</formats>
</seelog>`

// SetupLogging builds a seelog logger from the given level and optional log
// file, and installs it as the package-level logger.
func SetupLogging(level, logFile string) error {
	lvl := strings.ToLower(level)
	if _, ok := seelog.LogLevelFromString(lvl); !ok {
		lvl = "info"
	}

	fileOutput := ""
	if logFile != "" {
		fileOutput = fmt.Sprintf(`
		<rollingfile type="size" filename="%s" maxsize="10000000" maxrolls="5" />`, logFile)
	}

	cfg := fmt.Sprintf(seelogConfigTemplate, lvl, fileOutput)
	l, err := seelog.LoggerFromConfigAsString(cfg)
	if err != nil {
		return fmt.Errorf("cannot build seelog logger: %v", err)
	}

	log.SetupLogger(l, lvl)
	return nil
}
