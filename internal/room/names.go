/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package room

import "math/rand/v2"

var (
	nameHeads = []string{
		"bing", "bling", "ding", "dingle", "fling", "jingle", "king", "ping",
		"ring", "sing", "swing", "ting", "wingle", "zing", "zingle", "bim",
		"click", "flim", "zip", "bongle",
	}
	nameTails = []string{
		"bong", "blong", "dong", "dangle", "flong", "jangle", "kong", "pong",
		"rong", "song", "swong", "tong", "wangle", "zong", "zongle", "bom",
		"clack", "flam", "zap", "bing",
	}
)

// RandomName returns a two-word display name for anonymous listeners.
func RandomName() string {
	return nameHeads[rand.IntN(len(nameHeads))] + " " + nameTails[rand.IntN(len(nameTails))]
}
