package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-kit/log/level"
	"github.com/olekukonko/tablewriter"
	"gopkg.in/alecthomas/kingpin.v2"

	remotesymcontext "github.com/grafana/remotesym/pkg/context"
	"github.com/grafana/remotesym/pkg/library"
	"github.com/grafana/remotesym/pkg/signature"
	"github.com/grafana/remotesym/pkg/symstore"
)

func printSignature(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sig, err := signature.Of(f)
	if err != nil {
		return err
	}
	buildID, err := signature.ReadBuildID(f)
	if err != nil {
		level.Debug(remotesymcontext.Logger(ctx)).Log("msg", "no build id", "path", path, "err", err)
	}
	s := sig.String()
	if sig.Empty() {
		s = "-"
	}
	fmt.Fprintf(output(ctx), "%s %s %s\n", s, buildID, path)
	return nil
}

type indexParams struct {
	dirs        []string
	concurrency int
}

func addIndexParams(cmd *kingpin.CmdClause) *indexParams {
	params := &indexParams{}
	cmd.Arg("dir", "Build output directories, later ones win on duplicate signatures.").Required().ExistingDirsVar(&params.dirs)
	cmd.Flag("concurrency", "Number of libraries hashed concurrently.").Default("8").IntVar(&params.concurrency)
	return params
}

func index(ctx context.Context, params *indexParams) error {
	idx, err := library.Build(ctx, remotesymcontext.Logger(ctx), params.dirs, params.concurrency)
	if err != nil {
		return err
	}
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Signature", "Path"})
	table.SetBorder(false)
	for _, e := range idx.Entries() {
		table.Append([]string{e.Signature.String(), e.Path})
	}
	table.Render()
	return nil
}

type storeParams struct {
	symstore.Config
}

func addStoreParams(cmd *kingpin.CmdClause) *storeParams {
	params := &storeParams{Config: symstore.DefaultConfig()}
	params.Config.RegisterFlags(cmd)
	return params
}

func (p *storeParams) open(ctx context.Context) (*symstore.Store, error) {
	return symstore.NewCloud(remotesymcontext.Logger(ctx), p.Config, remotesymcontext.Registry(ctx))
}

type fetchParams struct {
	*storeParams
	signatures []string
}

func addFetchParams(cmd *kingpin.CmdClause) *fetchParams {
	params := &fetchParams{storeParams: addStoreParams(cmd)}
	cmd.Arg("signature", "Signatures to fetch.").Required().StringsVar(&params.signatures)
	return params
}

func fetch(ctx context.Context, params *fetchParams) error {
	if params.DisableCloud {
		return fmt.Errorf("fetching requires the cloud symbol store")
	}
	sigs := make([]signature.Signature, 0, len(params.signatures))
	for _, s := range params.signatures {
		sig, err := signature.Parse(s)
		if err != nil {
			return err
		}
		sigs = append(sigs, sig)
	}
	store, err := params.open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = store.Cleanup() }()

	out := output(ctx)
	for _, sig := range sigs {
		if p, ok := store.Lookup(sig); ok {
			fmt.Fprintf(out, "%s cached %s\n", sig, p)
			continue
		}
		p, err := store.FetchOrDownload(ctx, sig, "", nil)
		if err != nil {
			if symstore.IsNotFound(err) {
				fmt.Fprintf(out, "%s not found\n", sig)
				continue
			}
			return err
		}
		fmt.Fprintf(out, "%s fetched %s\n", sig, p)
	}
	return nil
}

func addCacheParams(cmd *kingpin.CmdClause) *storeParams {
	params := &storeParams{Config: symstore.DefaultConfig()}
	cmd.Flag("symbols.dir", "Directory of the symbol cache.").Default(symstore.DefaultDir).Envar(envPrefix + "SYMBOLS_DIR").StringVar(&params.Dir)
	params.DisableCloud = true
	return params
}

func cacheList(ctx context.Context, params *storeParams) error {
	store, err := symstore.New(remotesymcontext.Logger(ctx), params.Config, nil, remotesymcontext.Registry(ctx))
	if err != nil {
		return err
	}
	entries, err := store.Entries()
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ModTime.After(entries[j].ModTime)
	})

	var total int64
	table := tablewriter.NewWriter(output(ctx))
	table.SetHeader([]string{"Signature", "Size", "Modified"})
	table.SetBorder(false)
	for _, e := range entries {
		total += e.Size
		table.Append([]string{e.Signature.String(), humanize.Bytes(uint64(e.Size)), e.ModTime.Format(time.RFC3339)})
	}
	table.SetFooter([]string{fmt.Sprintf("%d files", len(entries)), humanize.Bytes(uint64(total)), ""})
	table.Render()
	return nil
}
