// BSD 3-Clause License
//
// Copyright (c) 2020, Sperax
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// 1. Redistributions of source code must retain the above copyright notice, this
//    list of conditions and the following disclaimer.
//
// 2. Redistributions in binary form must reproduce the above copyright notice,
//    this list of conditions and the following disclaimer in the documentation
//    and/or other materials provided with the distribution.
//
// 3. Neither the name of the copyright holder nor the names of its
//    contributors may be used to endorse or promote products derived from
//    this software without specific prior written permission.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/tmnet-dev/tmnet"
	"github.com/tmnet-dev/tmnet/nodeid"
	"github.com/tmnet-dev/tmnet/peerstore"
)

// keyFile is the on-disk JSON shape written by genkey and read by run,
// mirroring the quorum.json key bundle of the teacher's genkeys command.
type keyFile struct {
	PrivateKey string `json:"private_key"` // hex-encoded 64-byte ed25519 private key
	NodeID     string `json:"node_id"`
}

func main() {
	app := &cli.App{
		Name:                 "tmnode",
		Usage:                "run a peer-to-peer node on the tmnet transport/router layer",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			genkeyCommand(),
			runCommand(),
			peersCommand(),
		},
		Action: func(c *cli.Context) error {
			cli.ShowAppHelp(c)
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func genkeyCommand() *cli.Command {
	return &cli.Command{
		Name:  "genkey",
		Usage: "generate a node identity key",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "out",
				Value: "./node_key.json",
				Usage: "output key file",
			},
		},
		Action: func(c *cli.Context) error {
			_, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}

			id := nodeid.FromPubKey(priv.Public().(ed25519.PublicKey))
			kf := keyFile{PrivateKey: hex.EncodeToString(priv), NodeID: id.String()}

			file, err := os.Create(c.String("out"))
			if err != nil {
				return err
			}
			defer file.Close()

			enc := json.NewEncoder(file)
			enc.SetIndent("", "\t")
			if err := enc.Encode(kf); err != nil {
				return err
			}

			log.Println("generated node identity", id.String())
			return nil
		},
	}
}

func loadKey(path string) (ed25519.PrivateKey, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var kf keyFile
	if err := json.NewDecoder(file).Decode(&kf); err != nil {
		return nil, err
	}
	raw, err := hex.DecodeString(kf.PrivateKey)
	if err != nil {
		return nil, err
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, errors.New("tmnode: malformed private key in key file")
	}
	return ed25519.PrivateKey(raw), nil
}

func loadPeers(path string) ([]nodeid.Address, error) {
	if path == "" {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer file.Close()

	var raw []string
	if err := json.NewDecoder(file).Decode(&raw); err != nil {
		return nil, err
	}

	addrs := make([]nodeid.Address, 0, len(raw))
	for _, s := range raw {
		addr, err := nodeid.ParseAddress(s)
		if err != nil {
			return nil, fmt.Errorf("tmnode: parsing peer %q: %w", s, err)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "start a node and dial its configured peers",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "key", Value: "./node_key.json", Usage: "node identity key file"},
			&cli.StringFlag{Name: "listen", Value: "0.0.0.0:4680", Usage: "listen address"},
			&cli.StringFlag{Name: "network", Value: "tmnet-testnet", Usage: "network identifier, rejects peers on a different one"},
			&cli.StringFlag{Name: "moniker", Value: "", Usage: "human-readable node name advertised to peers"},
			&cli.StringFlag{Name: "persistent-peers", Value: "./persistent_peers.json", Usage: "JSON array of persistent peer addresses"},
			&cli.StringFlag{Name: "seeds", Value: "", Usage: "JSON array of seed node addresses"},
			&cli.IntFlag{Name: "max-connected", Value: 64, Usage: "maximum connected peers"},
		},
		Action: func(c *cli.Context) error {
			priv, err := loadKey(c.String("key"))
			if err != nil {
				return fmt.Errorf("tmnode: loading key: %w", err)
			}

			persistentPeers, err := loadPeers(c.String("persistent-peers"))
			if err != nil {
				return fmt.Errorf("tmnode: loading persistent peers: %w", err)
			}
			seeds, err := loadPeers(c.String("seeds"))
			if err != nil {
				return fmt.Errorf("tmnode: loading seeds: %w", err)
			}

			moniker := c.String("moniker")
			if moniker == "" {
				if hostname, err := os.Hostname(); err == nil {
					moniker = hostname
				}
			}

			zlog := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

			n, err := tmnet.New(tmnet.Config{
				ListenAddr:      c.String("listen"),
				Network:         c.String("network"),
				Moniker:         moniker,
				PrivateKey:      priv,
				PersistentPeers: persistentPeers,
				Seeds:           seeds,
				Manager:         peerstore.ManagerOptions{MaxConnected: c.Int("max-connected")},
				Logger:          zlog,
			})
			if err != nil {
				return err
			}

			zlog.Info().Str("node_id", n.ID().String()).Str("listen", c.String("listen")).Msg("starting node")

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := n.Start(ctx); err != nil {
				return err
			}

			<-ctx.Done()
			zlog.Info().Msg("shutting down")
			n.Stop()
			return nil
		},
	}
}

func peersCommand() *cli.Command {
	return &cli.Command{
		Name:  "peers",
		Usage: "print the peer addresses listed in a persistent-peers file",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "file", Value: "./persistent_peers.json", Usage: "JSON array of peer addresses"},
		},
		Action: func(c *cli.Context) error {
			addrs, err := loadPeers(c.String("file"))
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Node ID", "Address"})
			for _, a := range addrs {
				table.Append([]string{a.NodeID.String(), a.DialString()})
			}
			table.Render()
			return nil
		},
	}
}
