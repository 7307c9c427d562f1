// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command raven runs the evidence image analysis service.
//
// Raven detects weapons and narcotics in photographs, identifies firearm
// brands and models, and embeds drug crops for similarity search.
//
// Usage:
//
//	raven run                          # Start the server
//	raven list                         # List discovered models
//	raven segment photo.jpg            # Segment one image
//	raven embed photo.jpg              # Embed one image
//	raven search photo.jpg -f v.jsonl  # Rank stored vectors against an image
package main

import (
	"runtime"

	"github.com/0n6k4v/raven/pkg/raven/cmd/cmd"
)

// https://goreleaser.com/cookbooks/using-main.version/
//
// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot
var version = "dev"

func main() {
	runtime.SetMutexProfileFraction(1) // Enable mutex profiling
	runtime.SetBlockProfileRate(1)     // Sample every blocking event
	cmd.Version = version
	cmd.Execute()
}
