//go:generate weaver generate ./pkg/...

package main

import (
	"context"
	"log"

	"socialmedia/pkg/api"

	"github.com/ServiceWeaver/weaver"
)

func main() {
	if err := weaver.Run(context.Background(), api.Serve); err != nil {
		log.Fatal(err)
	}
}
