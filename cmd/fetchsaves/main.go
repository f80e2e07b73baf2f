// Command fetchsaves downloads a sample world save for exercising the core
// engine end-to-end: a directory of real level.dat/region files to run
// SaveBase/Update/Restore against, the same role committer.rs's restore/
// commit subcommands play against a live save directory for the original
// binary. It is fixture tooling, not the version-control front-end itself
// (that CLI is out of scope; see SPEC_FULL.md §1/§6).
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	get "github.com/hashicorp/go-getter"
)

func main() {
	var (
		repo = flag.String("repo", "https://github.com/PrismarineJS/minecraft-data.git", "source repo url")
		path = flag.String("path", "", "subdirectory within the repo to fetch (e.g. data/pc/1.21.8)")
		out  = flag.String("o", "./testdata/save", "output dir path")
	)
	flag.Parse()

	if *out == "" {
		panic("output dir path required")
	}
	if *path == "" {
		panic("path required")
	}

	if err := os.RemoveAll(*out); err != nil {
		panic(err)
	}

	log.Default().Printf("start downloading save fixture into %s", *out)

	url := fmt.Sprintf("git::%s//%s", *repo, *path)
	if err := get.Get(*out, url); err != nil {
		panic(err)
	}

	log.Default().Printf("done downloading save fixture into %s", *out)
}
