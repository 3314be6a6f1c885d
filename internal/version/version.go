package version

import (
	"fmt"
	"log"
	"strings"

	"github.com/quenby/porter/theme"
)

var (
	Name        = "porter"
	Description = "Anthropic API subscription load balancer"
	Version     = "v0.1.0"
	Commit      = "none"
	Date        = "nowish"
)

const (
	GithubHomeText = "github.com/quenby/porter"
	GithubHomeUri  = "https://github.com/quenby/porter"
)

func PrintVersionInfo(extendedInfo bool, vlog *log.Logger) {
	githubUri := theme.Hyperlink(GithubHomeUri, GithubHomeText)

	var b strings.Builder

	b.WriteString(theme.ColourSplash(`
  ██████╗  ██████╗ ██████╗ ████████╗███████╗██████╗
  ██╔══██╗██╔═══██╗██╔══██╗╚══██╔══╝██╔════╝██╔══██╗
  ██████╔╝██║   ██║██████╔╝   ██║   █████╗  ██████╔╝
  ██╔═══╝ ██║   ██║██╔══██╗   ██║   ██╔══╝  ██╔══██╗
  ██║     ╚██████╔╝██║  ██║   ██║   ███████╗██║  ██║
  ╚═╝      ╚═════╝ ╚═╝  ╚═╝   ╚═╝   ╚══════╝╚═╝  ╚═╝` + "\n"))
	b.WriteString(fmt.Sprintf("  %s  %s\n", theme.StyleUrl(githubUri), theme.ColourVersion(Version)))

	vlog.Print(b.String())

	if extendedInfo {
		vlog.Printf("  version: %s\n  commit:  %s\n  built:   %s\n", Version, Commit, Date)
	}
}
