// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command rebirth runs the narrative game backend.
//
// Configuration comes from environment variables (see services/story/config),
// optionally seeded from a .env file and overridden by a YAML file passed
// with --config.
//
//	# Run the server
//	rebirth serve
//
//	# Delete generated illustrations older than 30 days
//	rebirth images cleanup --days 30
package main

import (
	"log"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
