package mcp

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/bizmatters/contract-studio/internal/contract"
	"github.com/bizmatters/contract-studio/internal/models"
)

func registerNetworkTools(addTool toolAdder, network Network) {
	if network == nil {
		return
	}

	addTool("get_neo_status", mcp.NewTool("get_neo_status",
		mcp.WithDescription("Get the status of the Neo network the backend deploys to: network name, block height and RPC URL."),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		status, err := network.NetworkStatus(ctx)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("network status unavailable: %v", err)), nil
		}
		return jsonResult(map[string]any{
			"status":       "connected",
			"network":      status.Network,
			"block_height": status.BlockHeight,
			"rpc_url":      status.RPCURL,
		})
	})

	addTool("simulate_deploy", mcp.NewTool("simulate_deploy",
		mcp.WithDescription("Simulate deploying a contract. Failures are reported with ok=false and the error under neoResponse."),
		mcp.WithObject("spec", mcp.Description("Contract specification document")),
		mcp.WithString("code", mcp.Description("Generated contract code")),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		req := models.DeployRequest{Code: mcp.ParseString(request, "code", "")}

		var doc contract.Document
		ok, err := decodeArgument(request, "spec", &doc)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if ok {
			req.Spec = contract.Normalize(&doc)
		}

		res, err := network.SimulateDeploy(ctx, req)
		if res == nil {
			if err == nil {
				err = fmt.Errorf("backend returned no result")
			}
			res = models.FailedDeploy(err)
		}
		return jsonResult(res)
	})
}
