// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// gdprgate runs and operates the GDPR compliance gateway.
//
// Usage:
//
//	gdprgate serve                 Start the HTTP gateway
//	gdprgate check [text]          Evaluate text against the pattern policy
//	gdprgate audit verify [path]   Verify an audit log's hash chain
//	gdprgate corpus build          Build the regulatory vector snapshot
//	gdprgate corpus info           Print snapshot metadata
//
// Configuration is read from the environment and an optional .env file.
// See services/gateway/config for the variables.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
