package azure

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/compute/armcompute/v6"
	"github.com/Azure/azure-sdk-for-go/sdk/resourcemanager/network/armnetwork/v6"
)

// VMView is the slice of a VM's state the executor reads.
type VMView struct {
	Name              string `json:"name"`
	Location          string `json:"location,omitempty"`
	Size              string `json:"size,omitempty"`
	PowerState        string `json:"power_state"`
	ProvisioningState string `json:"provisioning_state,omitempty"`
}

// VMSummary is one row of a VM inventory listing.
type VMSummary struct {
	Name          string `json:"name"`
	ResourceGroup string `json:"resource_group"`
	Location      string `json:"location,omitempty"`
	Size          string `json:"size,omitempty"`
}

// RuleSummary is one NSG rule in a listing.
type RuleSummary struct {
	Name            string `json:"name"`
	Priority        int32  `json:"priority"`
	Direction       string `json:"direction"`
	Access          string `json:"access"`
	Protocol        string `json:"protocol"`
	SourcePrefix    string `json:"source_prefix,omitempty"`
	DestinationPort string `json:"destination_port,omitempty"`
}

// RuleSpec describes an NSG rule to upsert.
type RuleSpec struct {
	Name         string
	Priority     int32
	Allow        bool
	Port         int
	SourcePrefix string
}

// VMClient is the narrow compute surface the executor needs. Lifecycle calls
// issue the request and return without waiting for the long-running
// operation; completion is observed by polling InstanceView.
type VMClient interface {
	InstanceView(ctx context.Context, resourceGroup, name string) (*VMView, error)
	Start(ctx context.Context, resourceGroup, name string) error
	Deallocate(ctx context.Context, resourceGroup, name string) error
	PowerOff(ctx context.Context, resourceGroup, name string) error
	Restart(ctx context.Context, resourceGroup, name string) error
	Resize(ctx context.Context, resourceGroup, name, size string) error
	List(ctx context.Context, resourceGroup string) ([]VMSummary, error)
}

// NSGClient is the narrow network surface for security group rules.
type NSGClient interface {
	Rules(ctx context.Context, resourceGroup, nsgName string) ([]RuleSummary, error)
	UpsertRule(ctx context.Context, resourceGroup, nsgName string, rule RuleSpec) error
}

// armVMClient implements VMClient over the Azure SDK.
type armVMClient struct {
	client *armcompute.VirtualMachinesClient
}

// NewVMClient builds the production compute client.
func NewVMClient(subscriptionID string, cred azcore.TokenCredential) (VMClient, error) {
	client, err := armcompute.NewVirtualMachinesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create compute client: %w", err)
	}
	return &armVMClient{client: client}, nil
}

func (c *armVMClient) InstanceView(ctx context.Context, resourceGroup, name string) (*VMView, error) {
	resp, err := c.client.Get(ctx, resourceGroup, name, &armcompute.VirtualMachinesClientGetOptions{
		Expand: to.Ptr(armcompute.InstanceViewTypesInstanceView),
	})
	if err != nil {
		return nil, err
	}

	view := &VMView{Name: name, PowerState: "unknown"}
	if resp.Location != nil {
		view.Location = *resp.Location
	}
	if props := resp.Properties; props != nil {
		if props.ProvisioningState != nil {
			view.ProvisioningState = *props.ProvisioningState
		}
		if props.HardwareProfile != nil && props.HardwareProfile.VMSize != nil {
			view.Size = string(*props.HardwareProfile.VMSize)
		}
		if props.InstanceView != nil {
			view.PowerState = powerStateFromStatuses(props.InstanceView.Statuses)
		}
	}
	return view, nil
}

// powerStateFromStatuses extracts the "running"/"deallocated"/... fragment
// from instance view status codes of the form "PowerState/running".
func powerStateFromStatuses(statuses []*armcompute.InstanceViewStatus) string {
	for _, status := range statuses {
		if status == nil || status.Code == nil {
			continue
		}
		if state, ok := strings.CutPrefix(*status.Code, "PowerState/"); ok {
			return state
		}
	}
	return "unknown"
}

func (c *armVMClient) Start(ctx context.Context, resourceGroup, name string) error {
	_, err := c.client.BeginStart(ctx, resourceGroup, name, nil)
	return err
}

func (c *armVMClient) Deallocate(ctx context.Context, resourceGroup, name string) error {
	_, err := c.client.BeginDeallocate(ctx, resourceGroup, name, nil)
	return err
}

func (c *armVMClient) PowerOff(ctx context.Context, resourceGroup, name string) error {
	_, err := c.client.BeginPowerOff(ctx, resourceGroup, name, nil)
	return err
}

func (c *armVMClient) Restart(ctx context.Context, resourceGroup, name string) error {
	_, err := c.client.BeginRestart(ctx, resourceGroup, name, nil)
	return err
}

func (c *armVMClient) Resize(ctx context.Context, resourceGroup, name, size string) error {
	_, err := c.client.BeginUpdate(ctx, resourceGroup, name, armcompute.VirtualMachineUpdate{
		Properties: &armcompute.VirtualMachineProperties{
			HardwareProfile: &armcompute.HardwareProfile{
				VMSize: to.Ptr(armcompute.VirtualMachineSizeTypes(size)),
			},
		},
	}, nil)
	return err
}

func (c *armVMClient) List(ctx context.Context, resourceGroup string) ([]VMSummary, error) {
	var out []VMSummary
	pager := c.client.NewListPager(resourceGroup, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, err
		}
		for _, vm := range page.Value {
			if vm == nil || vm.Name == nil {
				continue
			}
			summary := VMSummary{Name: *vm.Name, ResourceGroup: resourceGroup}
			if vm.Location != nil {
				summary.Location = *vm.Location
			}
			if vm.Properties != nil && vm.Properties.HardwareProfile != nil && vm.Properties.HardwareProfile.VMSize != nil {
				summary.Size = string(*vm.Properties.HardwareProfile.VMSize)
			}
			out = append(out, summary)
		}
	}
	return out, nil
}

// armNSGClient implements NSGClient over the Azure SDK.
type armNSGClient struct {
	groups *armnetwork.SecurityGroupsClient
	rules  *armnetwork.SecurityRulesClient
}

// NewNSGClient builds the production network client.
func NewNSGClient(subscriptionID string, cred azcore.TokenCredential) (NSGClient, error) {
	groups, err := armnetwork.NewSecurityGroupsClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create security group client: %w", err)
	}
	rules, err := armnetwork.NewSecurityRulesClient(subscriptionID, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create security rule client: %w", err)
	}
	return &armNSGClient{groups: groups, rules: rules}, nil
}

func (c *armNSGClient) Rules(ctx context.Context, resourceGroup, nsgName string) ([]RuleSummary, error) {
	resp, err := c.groups.Get(ctx, resourceGroup, nsgName, nil)
	if err != nil {
		return nil, err
	}

	var out []RuleSummary
	if resp.Properties == nil {
		return out, nil
	}
	for _, rule := range resp.Properties.SecurityRules {
		if rule == nil || rule.Name == nil || rule.Properties == nil {
			continue
		}
		props := rule.Properties
		summary := RuleSummary{Name: *rule.Name}
		if props.Priority != nil {
			summary.Priority = *props.Priority
		}
		if props.Direction != nil {
			summary.Direction = string(*props.Direction)
		}
		if props.Access != nil {
			summary.Access = string(*props.Access)
		}
		if props.Protocol != nil {
			summary.Protocol = string(*props.Protocol)
		}
		if props.SourceAddressPrefix != nil {
			summary.SourcePrefix = *props.SourceAddressPrefix
		}
		if props.DestinationPortRange != nil {
			summary.DestinationPort = *props.DestinationPortRange
		}
		out = append(out, summary)
	}
	return out, nil
}

func (c *armNSGClient) UpsertRule(ctx context.Context, resourceGroup, nsgName string, rule RuleSpec) error {
	access := armnetwork.SecurityRuleAccessDeny
	if rule.Allow {
		access = armnetwork.SecurityRuleAccessAllow
	}
	sourcePrefix := rule.SourcePrefix
	if sourcePrefix == "" {
		sourcePrefix = "*"
	}

	_, err := c.rules.BeginCreateOrUpdate(ctx, resourceGroup, nsgName, rule.Name, armnetwork.SecurityRule{
		Properties: &armnetwork.SecurityRulePropertiesFormat{
			Priority:                 to.Ptr(rule.Priority),
			Direction:                to.Ptr(armnetwork.SecurityRuleDirectionInbound),
			Access:                   to.Ptr(access),
			Protocol:                 to.Ptr(armnetwork.SecurityRuleProtocolTCP),
			SourcePortRange:          to.Ptr("*"),
			DestinationPortRange:     to.Ptr(strconv.Itoa(rule.Port)),
			SourceAddressPrefix:      to.Ptr(sourcePrefix),
			DestinationAddressPrefix: to.Ptr("*"),
		},
	}, nil)
	return err
}
