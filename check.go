package main

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/DECSResearch/GrantWatch/model"
	"github.com/DECSResearch/GrantWatch/service"
	"github.com/spf13/cobra"
)

func checkCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check [file]",
		Short: "Validate a local file against a manifest requirement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			opportunity, _ := cmd.Flags().GetString("opportunity")
			requirement, _ := cmd.Flags().GetString("requirement")
			contentType, _ := cmd.Flags().GetString("content-type")

			result, err := checkFile(cmd.Context(), newManifestRegistry(cfg), args[0], opportunity, requirement, contentType)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	cmd.Flags().StringP("opportunity", "o", "", "Opportunity whose manifest supplies the rules")
	cmd.Flags().StringP("requirement", "r", "", "Requirement id to check against")
	cmd.Flags().String("content-type", "", "Content type to assume (default from the file extension)")
	_ = cmd.MarkFlagRequired("requirement")

	return cmd
}

func checkFile(ctx context.Context, manifests *service.ManifestRegistry, path, opportunityID, requirementID, contentType string) (service.Result, error) {
	stat, err := os.Stat(path)
	if err != nil {
		return service.Result{}, err
	}
	if stat.IsDir() {
		return service.Result{}, fmt.Errorf("%s is a directory", path)
	}

	var req *model.Requirement
	if opportunityID != "" {
		m, err := manifests.Get(opportunityID)
		if err != nil {
			return service.Result{}, fmt.Errorf("opportunity %s: %w", opportunityID, err)
		}
		req, _ = m.Requirement(requirementID)
	}
	if req == nil {
		req = manifests.Defaults().Requirement(requirementID)
	}

	if contentType == "" {
		contentType = contentTypeFor(path)
	}

	v := service.NewValidator(service.ValidatorOptions{Manifests: manifests})
	return v.Evaluate(ctx, service.Input{
		Key:         path,
		Filename:    filepath.Base(path),
		ContentType: contentType,
		Size:        stat.Size(),
		Fetch: func(context.Context) ([]byte, error) {
			return os.ReadFile(path)
		},
	}, req)
}

func contentTypeFor(path string) string {
	ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(path)))
	if ct == "" {
		return "application/octet-stream"
	}
	ct, _, _ = strings.Cut(ct, ";")
	return ct
}
