package metadata_test

import (
	"testing"

	"github.com/c360studio/taskbridge/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBPMN = `<?xml version="1.0" encoding="UTF-8"?>
<bpmn:definitions xmlns:bpmn="http://www.omg.org/spec/BPMN/20100524/MODEL"
                  xmlns:camunda="http://camunda.org/schema/1.0/bpmn">
  <bpmn:process id="invoice" isExecutable="true">
    <bpmn:serviceTask id="ServiceTask_1" name="Sync CRM" camunda:type="external" camunda:topic="bitrix24_deal">
      <bpmn:extensionElements>
        <camunda:properties>
          <camunda:property name="system" value="bitrix24" />
          <camunda:property name="entity" value="deal" />
        </camunda:properties>
        <camunda:field name="endpoint">
          <camunda:string>https://crm.example.com</camunda:string>
        </camunda:field>
        <camunda:field name="mode" stringValue="upsert" />
        <camunda:inputOutput>
          <camunda:inputParameter name="amount">${total}</camunda:inputParameter>
          <camunda:outputParameter name="dealId">${response.id}</camunda:outputParameter>
        </camunda:inputOutput>
      </bpmn:extensionElements>
    </bpmn:serviceTask>
    <bpmn:serviceTask id="ServiceTask_2" camunda:type="external" camunda:topic="erp_invoice" />
    <bpmn:userTask id="UserTask_1" name="Approve" />
  </bpmn:process>
</bpmn:definitions>`

func TestParseDefinition_ExtractsAnnotations(t *testing.T) {
	activities, err := metadata.ParseDefinition(sampleBPMN)
	require.NoError(t, err)
	require.Len(t, activities, 2, "user tasks must be ignored")

	md, ok := activities["ServiceTask_1"]
	require.True(t, ok)

	assert.Equal(t, "ServiceTask_1", md.ActivityInfo.ID)
	assert.Equal(t, "Sync CRM", md.ActivityInfo.Name)
	assert.Equal(t, "external", md.ActivityInfo.Type)
	assert.Equal(t, "bitrix24_deal", md.ActivityInfo.Topic)

	assert.Equal(t, map[string]string{"system": "bitrix24", "entity": "deal"}, md.ExtensionProperties)
	assert.Equal(t, map[string]string{
		"endpoint": "https://crm.example.com",
		"mode":     "upsert",
	}, md.FieldInjections)
	assert.Equal(t, map[string]string{"amount": "${total}"}, md.InputParameters)
	assert.Equal(t, map[string]string{"dealId": "${response.id}"}, md.OutputParameters)
}

func TestParseDefinition_BareServiceTask(t *testing.T) {
	activities, err := metadata.ParseDefinition(sampleBPMN)
	require.NoError(t, err)

	md := activities["ServiceTask_2"]
	assert.Empty(t, md.ExtensionProperties)
	assert.Empty(t, md.FieldInjections)
	assert.Equal(t, "erp_invoice", md.ActivityInfo.Topic)
	assert.False(t, md.IsZero())
}

func TestParseDefinition_NoServiceTasks(t *testing.T) {
	activities, err := metadata.ParseDefinition(`<definitions><process id="p"><userTask id="u"/></process></definitions>`)
	require.NoError(t, err)
	assert.NotNil(t, activities)
	assert.Empty(t, activities)
}

func TestParseDefinition_MalformedXML(t *testing.T) {
	_, err := metadata.ParseDefinition(`<definitions><process id="p">`)
	assert.Error(t, err)
}
