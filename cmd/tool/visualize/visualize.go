package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/danl5/goha/pkg/model"
	"github.com/danl5/goha/pkg/node"
)

var (
	outputPath = flag.String("o", "./fsm_visual", "output path")
)

func main() {
	flag.Parse()

	local, err := node.NewLocal(model.Node{ID: "visualize", Role: model.RoleSecondary}, slog.Default())
	if err != nil {
		panic(err)
	}
	visualStr := local.Visualize()

	f, err := os.OpenFile(*outputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	_, err = f.WriteString(visualStr)
	if err != nil {
		panic(err)
	}

	fmt.Println("Visualization finished")
}
