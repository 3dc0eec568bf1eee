// Package main provides the caffenet CLI.
package main

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"github.com/born-ml/caffenet/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	klog.Flush()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
