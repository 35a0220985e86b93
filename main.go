package main

import "github.com/jmehdipour/webhook-gateway/cmd"

func main() {
	cmd.Execute()
}
