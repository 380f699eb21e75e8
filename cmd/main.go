package main

import (
	"context"
	"log"

	"github.com/jittakal/kafeventsink/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatalf("application error: %v", err)
	}
}
