// Copyright 2025 ODTrack Contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
)

func main() {
	fmt.Println("go-odsync - Offline-First Sync Core for ODTrack Academia")
	fmt.Println("========================================================")
	fmt.Println()
	fmt.Println("go-odsync queues on-duty request mutations in durable SQLite storage")
	fmt.Println("and drains them to the server in the background, with exponential")
	fmt.Println("backoff, connectivity awareness and last-write-wins conflict resolution.")
	fmt.Println()

	fmt.Println("Available Examples:")
	fmt.Println()
	fmt.Println("1. OD Sync Simulator (examples/odsim/)")
	fmt.Println("   Drives the full sync stack against an in-process server")
	fmt.Println("   Scenarios: offline queueing, conflicts, flaky networks")
	fmt.Println("   Run: cd examples/odsim && go run . demo")
	fmt.Println()

	fmt.Println("Library usage starts at odsync.NewService; see odsync/service.go.")
}
