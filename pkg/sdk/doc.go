// Package sdk embeds frep profiling into Go applications.
//
// An application creates one SDK, instruments the functions it wants to
// watch and calls the returned hooks in their place. Each hook call runs a
// sampler (pidstat or perf stat) or a timer around the original function and
// logs, stores and exports the parsed result:
//
//	import "github.com/coral-mesh/frep/pkg/sdk"
//
//	func main() {
//	    s, err := sdk.New(sdk.Config{
//	        ServiceName:  "renderer",
//	        DatabasePath: "/var/lib/renderer/frep.duckdb",
//	        Logger:       logger,
//	    })
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer s.Close()
//
//	    render, err := s.Instrument("render", sdk.KindPidStat, renderScene)
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    if err := render(ctx); err != nil {
//	        log.Print(err)
//	    }
//	}
//
// A hook always returns (or re-panics with) whatever the original function
// did. Uninstall and Close remove instrumentation without invalidating hooks
// held by callers.
//
// One-off calls can be profiled with Guard, which installs nothing.
package sdk
