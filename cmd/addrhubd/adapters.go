package main

import (
	"fmt"

	"github.com/edgeapp/addrhub/internal/adapter"
	"github.com/edgeapp/addrhub/internal/adapter/blockbook"
	"github.com/edgeapp/addrhub/internal/adapter/evmrpc"
	"github.com/edgeapp/addrhub/internal/adapter/webhook"
	"github.com/edgeapp/addrhub/internal/addrtypes"
	"github.com/edgeapp/addrhub/internal/config"
	"github.com/edgeapp/addrhub/internal/log"
	"github.com/edgeapp/addrhub/internal/metrics"
	"github.com/edgeapp/addrhub/internal/scanbackend"
)

// sharedDeps holds the process-scoped singletons every worker's plugin
// instances share: the scan-backend rate-limit flag, the webhook family's
// getTeamWebhooks memo / signing-key store / activity broadcaster, and the
// metrics registry every hub reports into.
type sharedDeps struct {
	scanGlobal    *scanbackend.Global
	webhookGlobal *webhook.TeamWebhooksGlobal
	signingKeys   *webhook.SigningKeyStore
	broadcaster   *webhook.Broadcaster
	hubMetrics    *metrics.HubMetrics
}

func newSharedDeps(cfg *config.Config, reg *metrics.Registry) sharedDeps {
	webhookGlobal, signingKeys, broadcaster := webhook.NewGlobalDeps(cfg.AlchemyAuthToken, cfg.PublicURI)
	return sharedDeps{
		scanGlobal:    scanbackend.NewGlobal(),
		webhookGlobal: webhookGlobal,
		signingKeys:   signingKeys,
		broadcaster:   broadcaster,
		hubMetrics:    metrics.NewHubMetrics(reg),
	}
}

// pluginBuild bundles one constructed plugin's descriptor and adapter,
// plus (for the webhook family only) the concrete *webhook.Adapter the
// HTTP receiver needs to dispatch verified activity into.
type pluginBuild struct {
	plugin         addrtypes.Plugin
	adapter        adapter.Adapter
	webhookAdapter *webhook.Adapter
}

// buildPlugin constructs one worker's instance of the adapter configured
// for pc, independent of any other worker's instance for the same plugin
// id: each worker owns its own upstream sockets. Webhook adapters share
// deps' process-scoped singletons so the broadcaster relay and the
// one-shot webhook discovery behave correctly across workers.
func buildPlugin(pc config.PluginConfig, cfg *config.Config, deps sharedDeps, logger *log.Logger) (pluginBuild, error) {
	plugin := addrtypes.Plugin{
		ID:        pc.PluginID,
		Variant:   addrtypes.Variant(pc.Variant),
		Normalize: pc.NormalizeAddress,
	}

	switch pc.Variant {
	case config.VariantDirectWS:
		wsURL := pc.BlockbookWSURL
		if wsURL == "" && len(pc.BlockbookURLs) > 0 {
			wsURL = pc.BlockbookURLs[0]
		}
		if wsURL == "" {
			return pluginBuild{}, fmt.Errorf("plugin %q: direct_ws requires blockbookWsUrl", pc.PluginID)
		}
		a := blockbook.New(pc.PluginID, wsURL, deps.hubMetrics, logger)
		return pluginBuild{plugin: plugin, adapter: a}, nil

	case config.VariantBlockPoller:
		if len(pc.RPCURLs) == 0 {
			return pluginBuild{}, fmt.Errorf("plugin %q: block_poller requires rpcUrls", pc.PluginID)
		}
		var scanner evmrpc.Scanner
		if len(pc.ScanBackendURLs) > 0 {
			backends := make([]scanbackend.Scanner, 0, len(pc.ScanBackendURLs))
			for _, u := range pc.ScanBackendURLs {
				backends = append(backends, scanbackend.New(u, pc.ScanChainID, cfg, deps.scanGlobal, logger))
			}
			scanner = scanbackend.NewPool(backends...)
		}
		a := evmrpc.New(pc.PluginID, pc, cfg, scanner, deps.hubMetrics, logger)
		return pluginBuild{plugin: plugin, adapter: a}, nil

	case config.VariantWebhook:
		if pc.AlchemyNetwork == "" {
			return pluginBuild{}, fmt.Errorf("plugin %q: webhook requires alchemyNetwork", pc.PluginID)
		}
		wdeps := webhook.Deps{
			AuthToken:   cfg.AlchemyAuthToken,
			PublicURI:   cfg.PublicURI,
			Global:      deps.webhookGlobal,
			SigningKeys: deps.signingKeys,
			Broadcaster: deps.broadcaster,
			Metrics:     deps.hubMetrics,
		}
		a := webhook.New(pc.PluginID, pc.AlchemyNetwork, wdeps, logger)
		return pluginBuild{plugin: plugin, adapter: a, webhookAdapter: a}, nil

	default:
		return pluginBuild{}, fmt.Errorf("plugin %q: unknown variant %q", pc.PluginID, pc.Variant)
	}
}
