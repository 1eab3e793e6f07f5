// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package teamsfmt_test

import (
	"fmt"

	"github.com/aiku/teams-mattermost-bridge/pkg/connector/teamsfmt"
)

func ExampleParse() {
	md := teamsfmt.Parse(`<p><strong>hello</strong> <at id="0">Alice</at></p>`, nil)
	fmt.Println(md)
	// Output: **hello** @Alice
}
