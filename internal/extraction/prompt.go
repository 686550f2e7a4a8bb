package extraction

import "fmt"

const systemPrompt = `你是应急救援案例分析专家。从给定的历史救援案例文本中抽取实体，只输出一个 JSON 对象。

实体类型 (type 字段必须是以下英文值之一):
- Disaster: 灾害类型，如 地震、洪涝、台风
- Equipment: 救援装备，如 生命探测仪、液压扩张器
- Location: 地点，如 汶川县映秀镇
- Unit: 救援力量，如 消防救援队

输出格式:
{
  "entities": [
    {"type": "Equipment", "name": "生命探测仪", "context": "原文中提及该装备的句子", "quantity": 18, "confidence": 0.9}
  ],
  "case": {"disaster_type": "地震", "location": "汶川", "occurred_at": "2008-05-12", "casualties": 69227}
}

规则:
- name 使用原文中的写法，不要改写或翻译
- quantity 只在原文给出明确数量时填写整数，否则省略
- confidence 为 0 到 1 之间的小数
- context 摘录原文，不超过 200 字
- case 中无法确定的字段省略`

func userPrompt(text string) string {
	return fmt.Sprintf("案例文本:\n%s\n\n只返回 JSON。", text)
}
