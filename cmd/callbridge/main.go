// Command callbridge bridges Twilio Media Streams and browser websocket calls
// to a realtime voice-AI service.
//
// Usage:
//
//	callbridge [--config callbridge.yaml] <command> [flags]
//
// Commands:
//
//	serve      - Run the call bridge server
//	ambient    - Render or list ambient background presets
//	voicemail  - Request SMS delivery of stored voicemail transcripts
//	version    - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/MrWong99/callbridge/cmd/callbridge/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "callbridge: %v\n", err)
		os.Exit(1)
	}
}
